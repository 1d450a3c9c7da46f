package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/kimeisele/steward-protocol-sub001/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	keyDir    string
	cfgFile   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "Steward credit ledger CLI",
	Long: `steward is the command-line interface for the Steward credit ledger.

It manages agent signing identities, submits signed actions (transfers,
leases, registrations, key rotations), and queries the oracle for
explanations of any committed entry.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.steward")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8420"
		}
		if keyDir == "" {
			keyDir = viper.GetString("key_dir")
		}
		if keyDir == "" {
			home, _ := os.UserHomeDir()
			keyDir = home + "/.steward/keys"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.steward/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "stewardd base URL (default http://localhost:8420)")
	rootCmd.PersistentFlags().StringVar(&keyDir, "key-dir", "", "identity key directory (default ~/.steward/keys)")

	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(transferCmd)
	rootCmd.AddCommand(leaseCmd)
	rootCmd.AddCommand(rotateCmd)
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(accountsCmd)
	rootCmd.AddCommand(explainCmd)
	rootCmd.AddCommand(traceCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(unfreezeCmd)
	rootCmd.AddCommand(grantCmd)
	rootCmd.AddCommand(hashSecretCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadIdentity loads the signing identity for agentID from keyDir.
func loadIdentity(agentID string) (*client.Identity, error) {
	id, err := client.LoadIdentity(keyDir, agentID)
	if err != nil {
		return nil, fmt.Errorf("no identity for %q in %s (run 'steward keygen --agent %s' first): %w",
			agentID, keyDir, agentID, err)
	}
	return id, nil
}

func printEntry(entry *client.Entry) {
	fmt.Printf("Committed: sequence %d\n", entry.Sequence)
	fmt.Printf("TxID:      %s\n", entry.TxID)
	fmt.Printf("Action:    %s\n", entry.Action)
	fmt.Printf("Hash:      %s\n", entry.Hash)
}

// ── keygen ───────────────────────────────────────────────────────────────────

var keygenAgent string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate and store a new agent signing identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := client.NewIdentity(keygenAgent)
		if err != nil {
			return err
		}
		if err := id.Save(keyDir); err != nil {
			return err
		}
		fmt.Printf("Identity written to %s/%s.key\n", keyDir, keygenAgent)
		fmt.Printf("Public key: %s\n", id.PublicKeyHex())
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenAgent, "agent", "", "agent id for the new identity")
	keygenCmd.MarkFlagRequired("agent") //nolint:errcheck
}

// ── register ─────────────────────────────────────────────────────────────────

var registerAgent string

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register an agent's public key on the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := loadIdentity(registerAgent)
		if err != nil {
			return err
		}
		entry, err := client.New(serverURL).Register(context.Background(), id)
		if err != nil {
			return err
		}
		printEntry(entry)
		return nil
	},
}

func init() {
	registerCmd.Flags().StringVar(&registerAgent, "agent", "", "agent id to register")
	registerCmd.MarkFlagRequired("agent") //nolint:errcheck
}

// ── transfer ─────────────────────────────────────────────────────────────────

var (
	transferFrom   string
	transferTo     string
	transferAmount int64
	transferMemo   string
)

var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Transfer credits between agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := loadIdentity(transferFrom)
		if err != nil {
			return err
		}
		entry, err := client.New(serverURL).Transfer(context.Background(), id, transferTo, transferAmount, transferMemo)
		if err != nil {
			return err
		}
		printEntry(entry)
		return nil
	},
}

func init() {
	transferCmd.Flags().StringVar(&transferFrom, "from", "", "sending agent id")
	transferCmd.Flags().StringVar(&transferTo, "to", "", "receiving agent id")
	transferCmd.Flags().Int64Var(&transferAmount, "amount", 0, "amount of credits")
	transferCmd.Flags().StringVar(&transferMemo, "memo", "", "optional memo")
	transferCmd.MarkFlagRequired("from")   //nolint:errcheck
	transferCmd.MarkFlagRequired("to")     //nolint:errcheck
	transferCmd.MarkFlagRequired("amount") //nolint:errcheck
}

// ── lease ────────────────────────────────────────────────────────────────────

var (
	leaseFrom    string
	leaseTo      string
	leaseAmount  int64
	leaseTerm    int64
	leasePurpose string
)

var leaseCmd = &cobra.Command{
	Use:   "lease",
	Short: "Lease credits to another agent for a term",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := loadIdentity(leaseFrom)
		if err != nil {
			return err
		}
		entry, err := client.New(serverURL).Lease(context.Background(), id, leaseTo, leaseAmount, leaseTerm, leasePurpose)
		if err != nil {
			return err
		}
		printEntry(entry)
		return nil
	},
}

func init() {
	leaseCmd.Flags().StringVar(&leaseFrom, "from", "", "lessor agent id")
	leaseCmd.Flags().StringVar(&leaseTo, "to", "", "lessee agent id")
	leaseCmd.Flags().Int64Var(&leaseAmount, "amount", 0, "amount of credits")
	leaseCmd.Flags().Int64Var(&leaseTerm, "term-seconds", 3600, "lease term in seconds")
	leaseCmd.Flags().StringVar(&leasePurpose, "purpose", "", "lease purpose (recorded on chain)")
	leaseCmd.MarkFlagRequired("from")   //nolint:errcheck
	leaseCmd.MarkFlagRequired("to")     //nolint:errcheck
	leaseCmd.MarkFlagRequired("amount") //nolint:errcheck
}

// ── rotate-key ───────────────────────────────────────────────────────────────

var rotateAgent string

var rotateCmd = &cobra.Command{
	Use:   "rotate-key",
	Short: "Rotate an agent's signing key",
	Long: `Rotate generates a fresh keypair, submits a rotation signed with the
current key, and replaces the stored identity on success.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		old, err := loadIdentity(rotateAgent)
		if err != nil {
			return err
		}
		fresh, err := client.NewIdentity(rotateAgent)
		if err != nil {
			return err
		}

		entry, err := client.New(serverURL).RotateKey(context.Background(), old, fresh.PublicKeyHex())
		if err != nil {
			return err
		}
		if err := fresh.Save(keyDir); err != nil {
			return fmt.Errorf("rotation committed at sequence %d but saving the new key failed: %w", entry.Sequence, err)
		}
		printEntry(entry)
		fmt.Printf("New public key: %s\n", fresh.PublicKeyHex())
		return nil
	},
}

func init() {
	rotateCmd.Flags().StringVar(&rotateAgent, "agent", "", "agent id whose key to rotate")
	rotateCmd.MarkFlagRequired("agent") //nolint:errcheck
}

// ── account / accounts ───────────────────────────────────────────────────────

var accountCmd = &cobra.Command{
	Use:   "account <agent-id>",
	Short: "Show one projected account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		acct, err := client.New(serverURL).Account(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Agent:    %s\n", acct.AgentID)
		fmt.Printf("Balance:  %d\n", acct.Balance)
		fmt.Printf("State:    %s\n", acct.State)
		fmt.Printf("Last seq: %d\n", acct.LastSequence)
		return nil
	},
}

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List all projected accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		accounts, err := client.New(serverURL).Accounts(context.Background())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "AGENT\tBALANCE\tSTATE\tLAST SEQ")
		for _, a := range accounts {
			fmt.Fprintf(w, "%s\t%d\t%s\t%d\n", a.AgentID, a.Balance, a.State, a.LastSequence)
		}
		return w.Flush()
	},
}

// ── explain / trace / ask ────────────────────────────────────────────────────

var explainJSON bool

var explainCmd = &cobra.Command{
	Use:   "explain <agent-id>",
	Short: "Ask the oracle to explain an agent's account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := client.New(serverURL).ExplainAgent(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printReport(report)
	},
}

var traceCmd = &cobra.Command{
	Use:   "trace <tx-id>",
	Short: "Trace a transaction id through the ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := client.New(serverURL).TraceTransaction(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printReport(report)
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the oracle a free-form question",
	Long: `Ask routes a natural-language question to the matching structured query:

  steward ask "why is science frozen?"
  steward ask "explain agent vault"
  steward ask "is the ledger healthy?"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := client.New(serverURL).Ask(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printReport(report)
	},
}

func init() {
	for _, c := range []*cobra.Command{explainCmd, traceCmd, askCmd} {
		c.Flags().BoolVar(&explainJSON, "json", false, "emit the full report as JSON, including evidence entries")
	}
}

func printReport(report *client.Report) error {
	if explainJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	fmt.Println(report.Narrative)
	if len(report.Entries) > 0 {
		fmt.Printf("(%d supporting entries; use --json to see them)\n", len(report.Entries))
	}
	return nil
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the server's hash chain end to end",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(serverURL)
		ctx := context.Background()

		if err := c.VerifyChain(ctx); err != nil {
			return err
		}
		ov, err := c.Overview(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Chain intact: %d entries, tip %d (%s)\n", ov.Entries, ov.TipSequence, ov.TipHash)
		return nil
	},
}

// ── unfreeze / grant (operator) ──────────────────────────────────────────────

var (
	operatorName   string
	operatorSecret string
)

func operatorClient(ctx context.Context) (*client.Client, error) {
	c := client.New(serverURL)
	if operatorSecret == "" {
		operatorSecret = os.Getenv("STEWARD_OPERATOR_SECRET")
	}
	if operatorSecret == "" {
		return nil, fmt.Errorf("operator secret required (--secret or STEWARD_OPERATOR_SECRET)")
	}
	if err := c.Authenticate(ctx, operatorName, operatorSecret); err != nil {
		return nil, err
	}
	return c, nil
}

var unfreezeReason string

var unfreezeCmd = &cobra.Command{
	Use:   "unfreeze <agent-id>",
	Short: "Lift a freeze on an agent (operator only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		c, err := operatorClient(ctx)
		if err != nil {
			return err
		}
		entry, err := c.Unfreeze(ctx, args[0], unfreezeReason)
		if err != nil {
			return err
		}
		printEntry(entry)
		return nil
	},
}

var (
	grantTo     string
	grantAmount int64
	grantMemo   string
)

var grantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Grant credits from the treasury to an agent (operator only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		c, err := operatorClient(ctx)
		if err != nil {
			return err
		}
		entry, err := c.Grant(ctx, grantTo, grantAmount, grantMemo)
		if err != nil {
			return err
		}
		printEntry(entry)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{unfreezeCmd, grantCmd} {
		c.Flags().StringVar(&operatorName, "operator", "ops", "operator name")
		c.Flags().StringVar(&operatorSecret, "secret", "", "operator secret (or STEWARD_OPERATOR_SECRET)")
	}
	unfreezeCmd.Flags().StringVar(&unfreezeReason, "reason", "", "reason recorded on chain")
	unfreezeCmd.MarkFlagRequired("reason") //nolint:errcheck

	grantCmd.Flags().StringVar(&grantTo, "to", "", "receiving agent id")
	grantCmd.Flags().Int64Var(&grantAmount, "amount", 0, "amount of credits")
	grantCmd.Flags().StringVar(&grantMemo, "memo", "", "optional memo")
	grantCmd.MarkFlagRequired("to")     //nolint:errcheck
	grantCmd.MarkFlagRequired("amount") //nolint:errcheck
}

// ── hash-secret ──────────────────────────────────────────────────────────────

var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret <secret>",
	Short: "Bcrypt-hash an operator secret for operator.secret_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		fmt.Println(string(hash))
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the steward CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("steward %s\n", version)
	},
}
