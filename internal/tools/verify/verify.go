// Package verify recomputes resolved rounds offline from their published
// seeds, without contacting the server.
package verify

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"wagercore/internal/fairness"
)

type Config struct {
	Game       string
	ServerSeed string
	Commitment string
	ClientSeed string
	PublicSeed string
	Nonce      int64
	MineCount  int
	Seats      int
	Rounds     int
	JSON       bool
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Game: "mines", MineCount: 3, Seats: 2, Rounds: 1}
	fs.StringVar(&cfg.Game, "game", cfg.Game, "mines, battles or unbox")
	fs.StringVar(&cfg.ServerSeed, "server-seed", "", "revealed server seed")
	fs.StringVar(&cfg.Commitment, "commitment", "", "server seed commitment published before the round")
	fs.StringVar(&cfg.ClientSeed, "client-seed", "", "client seed (the room id for battles)")
	fs.StringVar(&cfg.PublicSeed, "public-seed", "", "public seed, if the round used one")
	fs.Int64Var(&cfg.Nonce, "nonce", 0, "round nonce")
	fs.IntVar(&cfg.MineCount, "mines", cfg.MineCount, "mine count")
	fs.IntVar(&cfg.Seats, "seats", cfg.Seats, "battle seats")
	fs.IntVar(&cfg.Rounds, "rounds", cfg.Rounds, "battle rounds")
	fs.BoolVar(&cfg.JSON, "json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) proof() fairness.Proof {
	return fairness.Proof{
		ServerSeed:           strings.TrimSpace(c.ServerSeed),
		ServerSeedCommitment: strings.TrimSpace(c.Commitment),
		ClientSeed:           c.ClientSeed,
		Nonce:                c.Nonce,
		PublicSeed:           c.PublicSeed,
	}
}

type Output struct {
	Game    string  `json:"game"`
	Mines   []int   `json:"mines,omitempty"`
	Tickets [][]int `json:"tickets,omitempty"`
	Ticket  *int    `json:"ticket,omitempty"`
}

// Run verifies the commitment and writes the recomputed outcome to out.
func Run(cfg Config, out io.Writer) error {
	if out == nil {
		return errors.New("output is required")
	}
	if cfg.ServerSeed == "" || cfg.Commitment == "" {
		return errors.New("server-seed and commitment are required")
	}
	res := Output{Game: cfg.Game}
	switch cfg.Game {
	case "mines":
		mines, err := fairness.VerifyMines(cfg.proof(), cfg.MineCount)
		if err != nil {
			return err
		}
		res.Mines = mines
	case "battles":
		if cfg.Seats < 2 || cfg.Seats > 4 || cfg.Rounds < 1 {
			return fmt.Errorf("invalid battle shape %d seats x %d rounds", cfg.Seats, cfg.Rounds)
		}
		tickets, err := fairness.VerifyBattle(cfg.proof(), cfg.Seats, cfg.Rounds)
		if err != nil {
			return err
		}
		res.Tickets = tickets
	case "unbox":
		t, err := fairness.VerifyTicket(cfg.proof())
		if err != nil {
			return err
		}
		res.Ticket = &t
	default:
		return fmt.Errorf("unknown game %q", cfg.Game)
	}
	if cfg.JSON {
		return json.NewEncoder(out).Encode(res)
	}
	return writeText(out, res)
}

func writeText(out io.Writer, res Output) error {
	var b strings.Builder
	b.WriteString("commitment ok\n")
	switch {
	case res.Mines != nil:
		fmt.Fprintf(&b, "mines: %v\n", res.Mines)
	case res.Tickets != nil:
		for round, row := range res.Tickets {
			fmt.Fprintf(&b, "round %d:", round)
			for seat, t := range row {
				fmt.Fprintf(&b, " seat%d=%d (%.3f%%)", seat, t, fairness.PercentageFromTicket(t))
			}
			b.WriteString("\n")
		}
	case res.Ticket != nil:
		fmt.Fprintf(&b, "ticket: %d (%.3f%%)\n", *res.Ticket, fairness.PercentageFromTicket(*res.Ticket))
	}
	_, err := io.WriteString(out, b.String())
	return err
}
