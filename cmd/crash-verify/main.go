// crash-verify recomputes crash points from a revealed server seed so
// anyone can audit past rounds: the seed's sha256 must match the
// commitment the server published, and each round id must reproduce
// the crash point the server announced.
package main

import (
	"fmt"

	"github.com/alecthomas/kong"

	"github.com/lox/crashout/internal/engine"
)

var CLI struct {
	Seed       string   `short:"s" required:"" help:"Revealed server seed"`
	Commitment string   `help:"Published seed commitment (sha256 hex) to check the seed against"`
	RoundIDs   []string `arg:"" name:"round-id" help:"Round ids to recompute"`
}

func main() {
	kctx := kong.Parse(&CLI,
		kong.Name("crash-verify"),
		kong.Description("Verify provably-fair crash rounds from a revealed server seed."))

	if CLI.Commitment != "" {
		actual := engine.SeedHash(CLI.Seed)
		if actual != CLI.Commitment {
			fmt.Printf("seed commitment MISMATCH: expected %s, seed hashes to %s\n",
				CLI.Commitment, actual)
			kctx.Exit(1)
		}
		fmt.Printf("seed commitment ok: %s\n", actual)
	}

	for _, roundID := range CLI.RoundIDs {
		fmt.Printf("%s  %.2fx\n", roundID, engine.CrashPoint(CLI.Seed, roundID))
	}
}
