// Package fairness implements the commit-reveal seed protocol and the
// deterministic derivations used to resolve every wager.
//
// All functions except Commit and NewClientSeed are pure: identical inputs
// always produce identical outputs, so any party holding a revealed server
// seed can recompute an outcome.
package fairness

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

const (
	serverSeedBytes = 32
	clientSeedBytes = 16

	// TicketRange is the exclusive upper bound of a ticket.
	TicketRange = 100000
)

// Commit generates a fresh server seed and its one-way commitment.
func Commit() (serverSeed, commitment string, err error) {
	b := make([]byte, serverSeedBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate server seed: %w", err)
	}
	serverSeed = hex.EncodeToString(b)
	return serverSeed, Hash(serverSeed), nil
}

// NewClientSeed returns a random client seed for players who did not send one.
func NewClientSeed() (string, error) {
	b := make([]byte, clientSeedBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate client seed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Hash is the commitment function: hex(SHA256(serverSeed)).
func Hash(serverSeed string) string {
	sum := sha256.Sum256([]byte(serverSeed))
	return hex.EncodeToString(sum[:])
}

// VerifyCommitment reports whether serverSeed hashes to commitment.
func VerifyCommitment(serverSeed, commitment string) bool {
	return hmac.Equal([]byte(Hash(serverSeed)), []byte(strings.ToLower(commitment)))
}

// Message is the canonical HMAC message for a derivation.
func Message(clientSeed string, nonce int64, index int, publicSeed string) string {
	var b strings.Builder
	b.WriteString(clientSeed)
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(nonce, 10))
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(index))
	if publicSeed != "" {
		b.WriteByte(':')
		b.WriteString(publicSeed)
	}
	return b.String()
}

// Derive is HMAC-SHA256 keyed by serverSeed over the canonical message,
// truncated to its first 32 bits.
func Derive(serverSeed, clientSeed string, nonce int64, index int, publicSeed string) uint32 {
	mac := hmac.New(sha256.New, []byte(serverSeed))
	mac.Write([]byte(Message(clientSeed, nonce, index, publicSeed)))
	sum := mac.Sum(nil)
	return binary.BigEndian.Uint32(sum[:4])
}

// Shuffle returns a permutation of [0,n) produced by a Fisher-Yates shuffle
// whose swap at position i is chosen by Derive(..., i, ...).
func Shuffle(n int, serverSeed, clientSeed string, nonce int64, publicSeed string) []int {
	if n <= 0 {
		return nil
	}
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := int(Derive(serverSeed, clientSeed, nonce, i, publicSeed) % uint32(i+1))
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm
}

// TicketFromDerive maps a derived value into [0, TicketRange).
func TicketFromDerive(v uint32) int {
	return int(v % TicketRange)
}

// PercentageFromTicket maps a ticket into [0,100).
func PercentageFromTicket(ticket int) float64 {
	return float64(ticket) * 100 / TicketRange
}

// Pick returns the index of the first weight whose cumulative percentage is
// greater than or equal to drawn. When the weights sum to less than drawn the
// last index is returned; callers are expected to keep tables summing to 100.
func Pick(percentages []float64, drawn float64) int {
	if len(percentages) == 0 {
		return -1
	}
	cumulative := 0.0
	for i, p := range percentages {
		cumulative += p
		if cumulative >= drawn {
			return i
		}
	}
	return len(percentages) - 1
}
