package fairness

// Seed is the commitment record attached to every round. ServerSeed is known
// to the server from creation but must only be published once Revealed.
type Seed struct {
	ServerSeedCommitment string `json:"server_seed_commitment"`
	ServerSeed           string `json:"server_seed,omitempty"`
	ClientSeed           string `json:"client_seed"`
	Nonce                int64  `json:"nonce"`
	PublicSeed           string `json:"public_seed,omitempty"`
	Revealed             bool   `json:"revealed"`
}

// NewSeed commits to a fresh server seed for one round.
func NewSeed(clientSeed string, nonce int64) (Seed, error) {
	serverSeed, commitment, err := Commit()
	if err != nil {
		return Seed{}, err
	}
	return Seed{
		ServerSeedCommitment: commitment,
		ServerSeed:           serverSeed,
		ClientSeed:           clientSeed,
		Nonce:                nonce,
	}, nil
}

// Reveal marks the server seed as publishable.
func (s *Seed) Reveal() {
	s.Revealed = true
}

// Public returns the view that may be sent to clients.
func (s Seed) Public() Seed {
	if !s.Revealed {
		s.ServerSeed = ""
	}
	return s
}

// Valid reports whether the seed carries a usable commitment.
func (s Seed) Valid() bool {
	return s.ServerSeed != "" && VerifyCommitment(s.ServerSeed, s.ServerSeedCommitment)
}

// Proof is what a client needs to verify a resolved round.
type Proof struct {
	ServerSeed           string `json:"server_seed"`
	ServerSeedCommitment string `json:"server_seed_commitment"`
	ClientSeed           string `json:"client_seed"`
	Nonce                int64  `json:"nonce"`
	PublicSeed           string `json:"public_seed,omitempty"`
}

// Proof returns the published proof. It is only meaningful once revealed.
func (s Seed) Proof() Proof {
	return Proof{
		ServerSeed:           s.ServerSeed,
		ServerSeedCommitment: s.ServerSeedCommitment,
		ClientSeed:           s.ClientSeed,
		Nonce:                s.Nonce,
		PublicSeed:           s.PublicSeed,
	}
}
