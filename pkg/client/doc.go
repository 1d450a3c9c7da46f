// Package client is the Steward Go SDK.
//
// It provides everything an agent process needs to participate in the
// credit economy: generating and persisting a signing identity, registering
// with the ledger, moving credits, and querying the oracle.
//
// # Joining as a new agent
//
//	id, err := client.NewIdentity("science")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := id.Save(os.ExpandEnv("$HOME/.steward/keys")); err != nil {
//	    log.Fatal(err)
//	}
//
//	c := client.New("http://localhost:8420")
//	entry, err := c.Register(ctx, id)
//
// # Moving credits
//
//	entry, err := c.Transfer(ctx, id, "vault", 5, "weekly settlement")
//
// Rejections come back as *client.APIError with a stable Reason field:
//
//	var apiErr *client.APIError
//	if errors.As(err, &apiErr) && apiErr.Reason == "insufficient_balance" {
//	    // top up first
//	}
//
// # Asking why
//
// Every committed entry is explainable after the fact:
//
//	report, err := c.Ask(ctx, "why is science frozen?")
//	fmt.Println(report.Narrative)
//
// # Operator actions
//
// Unfreezing accounts and treasury grants require operator credentials:
//
//	if err := c.Authenticate(ctx, "ops", operatorSecret); err != nil {
//	    log.Fatal(err)
//	}
//	entry, err := c.Unfreeze(ctx, "science", "manually reviewed, cleared")
package client
