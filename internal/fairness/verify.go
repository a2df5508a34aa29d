package fairness

import (
	"errors"
	"sort"
)

const (
	// BoardSize is the number of cells on a mines board.
	BoardSize = 25
	MinMines  = 1
	MaxMines  = BoardSize - 1
)

var (
	ErrCommitmentMismatch = errors.New("commitment_mismatch")
	ErrInvalidMineCount   = errors.New("invalid_mine_count")
)

// MinePositions places mineCount mines on the board by taking the first
// mineCount entries of the shuffled board. The result is sorted.
func MinePositions(serverSeed, clientSeed string, nonce int64, mineCount int) ([]int, error) {
	if mineCount < MinMines || mineCount > MaxMines {
		return nil, ErrInvalidMineCount
	}
	perm := Shuffle(BoardSize, serverSeed, clientSeed, nonce, "")
	mines := append([]int(nil), perm[:mineCount]...)
	sort.Ints(mines)
	return mines, nil
}

// BattleTicket derives the ticket for one seat in one round of a battle.
// The room id is the client seed and the seat is the nonce.
func BattleTicket(serverSeed, roomID string, seat, round int, publicSeed string) int {
	return TicketFromDerive(Derive(serverSeed, roomID, int64(seat), round, publicSeed))
}

// VerifyMines checks the commitment and recomputes the mine positions.
func VerifyMines(p Proof, mineCount int) ([]int, error) {
	if !VerifyCommitment(p.ServerSeed, p.ServerSeedCommitment) {
		return nil, ErrCommitmentMismatch
	}
	return MinePositions(p.ServerSeed, p.ClientSeed, p.Nonce, mineCount)
}

// VerifyBattle checks the commitment and recomputes every ticket, indexed
// [round][seat]. The room id travels as the proof's client seed.
func VerifyBattle(p Proof, seats, rounds int) ([][]int, error) {
	if !VerifyCommitment(p.ServerSeed, p.ServerSeedCommitment) {
		return nil, ErrCommitmentMismatch
	}
	out := make([][]int, rounds)
	for r := 0; r < rounds; r++ {
		out[r] = make([]int, seats)
		for s := 0; s < seats; s++ {
			out[r][s] = BattleTicket(p.ServerSeed, p.ClientSeed, s, r, p.PublicSeed)
		}
	}
	return out, nil
}

// VerifyTicket checks the commitment and recomputes a single-draw ticket
// (index 0), as used by case openings.
func VerifyTicket(p Proof) (int, error) {
	if !VerifyCommitment(p.ServerSeed, p.ServerSeedCommitment) {
		return 0, ErrCommitmentMismatch
	}
	return TicketFromDerive(Derive(p.ServerSeed, p.ClientSeed, p.Nonce, 0, p.PublicSeed)), nil
}
