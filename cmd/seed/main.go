// cmd/seed — populates a running stewardd with a realistic demo economy:
// a handful of registered agents, treasury grants, and some traffic between
// them. Useful for demos and for exercising the oracle.
//
// Running twice is safe: agents that already exist are skipped, and the
// extra grants and transfers simply add more history.
//
// Usage:
//
//	go run ./cmd/seed
//	STEWARD_URL=http://localhost:8420 STEWARD_OPERATOR_SECRET=... go run ./cmd/seed
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/kimeisele/steward-protocol-sub001/pkg/client"
)

const defaultURL = "http://localhost:8420"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
}

type seedAgent struct {
	id    string
	funds int64
}

var agents = []seedAgent{
	{id: "science", funds: 1000},
	{id: "vault", funds: 250},
	{id: "scribe", funds: 500},
	{id: "courier", funds: 100},
}

func run() error {
	base := os.Getenv("STEWARD_URL")
	if base == "" {
		base = defaultURL
	}
	secret := os.Getenv("STEWARD_OPERATOR_SECRET")
	if secret == "" {
		return fmt.Errorf("STEWARD_OPERATOR_SECRET is required for treasury grants")
	}
	keyDir := os.Getenv("STEWARD_KEY_DIR")
	if keyDir == "" {
		keyDir = "seed-keys"
	}

	ctx := context.Background()
	c := client.New(base)
	if err := c.Authenticate(ctx, "seed", secret); err != nil {
		return fmt.Errorf("operator auth: %w", err)
	}

	// Register and fund each demo agent.
	ids := make(map[string]*client.Identity, len(agents))
	for _, a := range agents {
		id, err := loadOrCreate(keyDir, a.id)
		if err != nil {
			return err
		}
		ids[a.id] = id

		if _, err := c.Register(ctx, id); err != nil {
			var apiErr *client.APIError
			if errors.As(err, &apiErr) && apiErr.Reason == "duplicate_agent" {
				fmt.Printf("  skip  %s (already registered)\n", a.id)
			} else {
				return fmt.Errorf("register %s: %w", a.id, err)
			}
		} else {
			fmt.Printf("  agent %s registered\n", a.id)
		}

		if _, err := c.Grant(ctx, a.id, a.funds, "seed funding"); err != nil {
			return fmt.Errorf("fund %s: %w", a.id, err)
		}
		fmt.Printf("  grant %d -> %s\n", a.funds, a.id)
	}

	// A little traffic so the oracle has something to narrate.
	traffic := []struct {
		from, to string
		amount   int64
		memo     string
	}{
		{"science", "vault", 50, "compute settlement"},
		{"science", "scribe", 25, "report commission"},
		{"scribe", "courier", 10, "delivery fee"},
	}
	for _, tr := range traffic {
		entry, err := c.Transfer(ctx, ids[tr.from], tr.to, tr.amount, tr.memo)
		if err != nil {
			return fmt.Errorf("transfer %s -> %s: %w", tr.from, tr.to, err)
		}
		fmt.Printf("  transfer %d %s -> %s (seq %d)\n", tr.amount, tr.from, tr.to, entry.Sequence)
	}

	if _, err := c.Lease(ctx, ids["vault"], "science", 40, 86400, "experiment budget"); err != nil {
		return fmt.Errorf("lease vault -> science: %w", err)
	}
	fmt.Println("  lease 40 vault -> science (1 day)")

	if err := c.VerifyChain(ctx); err != nil {
		return err
	}
	fmt.Println("\nseed complete, chain verified")
	return nil
}

// loadOrCreate reuses an identity from a previous seed run when present.
func loadOrCreate(dir, agentID string) (*client.Identity, error) {
	if id, err := client.LoadIdentity(dir, agentID); err == nil {
		return id, nil
	}
	id, err := client.NewIdentity(agentID)
	if err != nil {
		return nil, err
	}
	if err := id.Save(dir); err != nil {
		return nil, err
	}
	return id, nil
}
