// smlic is the vendor-side licensing tool for ScanMaster. It issues
// license keys, inspects keys customers report problems with, and
// computes offline activation response codes for support calls.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"scanmaster/internal/config"
	"scanmaster/internal/issuer"
	"scanmaster/internal/license"
	"scanmaster/internal/security"
	"scanmaster/pkg/contracts"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "smlic",
		Short: "ScanMaster license tooling",
		Long: `smlic is the vendor-side licensing tool for ScanMaster. It issues
license keys, inspects keys returned by customers, and computes offline
activation responses for machines without network access.

The signing secret is taken from SM_LICENSING_SECRET, from the
licensing.yaml next to the executable, or from the built-in product
secret, in that order. Pass --secret to override it for a single run.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(
		newIssueCmd(),
		newInspectCmd(),
		newRespondCmd(),
		newCatalogCmd(),
		newMachineIDCmd(),
		newVersionCmd(),
	)

	return cmd
}

func newIssueCmd() *cobra.Command {
	var (
		factory    string
		standards  []string
		lifetime   bool
		expires    string
		issueToken string
		secret     string
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new license key",
		Long: `Issue a signed license key for a factory.

Standards are given by their short tokens (see "smlic catalog"). Exactly
one of --lifetime and --expires must be set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIssue(factory, standards, lifetime, expires, issueToken, secret)
		},
	}

	cmd.Flags().StringVar(&factory, "factory", "", "factory name embedded in the key (required)")
	cmd.Flags().StringSliceVar(&standards, "standards", nil, "standard tokens to license, e.g. AMS,ASTM (required)")
	cmd.Flags().BoolVar(&lifetime, "lifetime", false, "issue a key that never expires")
	cmd.Flags().StringVar(&expires, "expires", "", "expiry date in YYYY-MM-DD form")
	cmd.Flags().StringVar(&issueToken, "issue-token", "", "explicit issue token (random when omitted)")
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret override")
	_ = cmd.MarkFlagRequired("factory")
	_ = cmd.MarkFlagRequired("standards")

	return cmd
}

func runIssue(factory string, standards []string, lifetime bool, expires, issueToken, secret string) error {
	params := issuer.IssueParams{
		FactoryName: factory,
		IssueToken:  issueToken,
		Standards:   standards,
		Lifetime:    lifetime,
	}
	if expires != "" {
		date, err := time.Parse("2006-01-02", expires)
		if err != nil {
			return fmt.Errorf("invalid --expires date %q, want YYYY-MM-DD", expires)
		}
		params.ExpiresOn = date
	}

	iss, err := newIssuer(secret)
	if err != nil {
		return err
	}

	parsed, err := iss.Issue(params)
	if err != nil {
		return err
	}

	fmt.Printf("License key issued:\n\n  %s\n\n", parsed.Raw)
	printKeyDetails(parsed)
	return nil
}

func newInspectCmd() *cobra.Command {
	var secret string

	cmd := &cobra.Command{
		Use:   "inspect <license-key>",
		Short: "Parse and verify a license key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(args[0], secret)
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "signing secret override")

	return cmd
}

func runInspect(key, secret string) error {
	iss, err := newIssuer(secret)
	if err != nil {
		return err
	}

	parsed, err := iss.Inspect(key)
	if err != nil {
		return fmt.Errorf("key rejected: %w", err)
	}

	fmt.Printf("Key is well formed and correctly signed.\n\n")
	printKeyDetails(parsed)
	if parsed.Expired(time.Now()) {
		fmt.Printf("  Status:      EXPIRED\n")
	}
	return nil
}

func newRespondCmd() *cobra.Command {
	var (
		machineID string
		factoryID string
		key       string
		secret    string
	)

	cmd := &cobra.Command{
		Use:   "respond",
		Short: "Compute an offline activation response code",
		Long: `Compute the response code for an offline activation request.

The customer reads their machine ID from the activation dialog. Identify
the license either by its factory ID or by the full key; the printed
code is what the customer types back into the dialog.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRespond(machineID, factoryID, key, secret)
		},
	}

	cmd.Flags().StringVar(&machineID, "machine-id", "", "customer machine ID (required)")
	cmd.Flags().StringVar(&factoryID, "factory-id", "", "factory ID of the license, e.g. FAC-ACME-X7K2P9")
	cmd.Flags().StringVar(&key, "key", "", "full license key, used to derive the factory ID")
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret override")
	_ = cmd.MarkFlagRequired("machine-id")

	return cmd
}

func runRespond(machineID, factoryID, key, secret string) error {
	if (factoryID == "") == (key == "") {
		return fmt.Errorf("provide exactly one of --factory-id or --key")
	}

	iss, err := newIssuer(secret)
	if err != nil {
		return err
	}

	if key != "" {
		parsed, err := iss.Inspect(key)
		if err != nil {
			return fmt.Errorf("key rejected: %w", err)
		}
		factoryID = parsed.FactoryID
	}

	code, err := iss.SupportResponse(machineID, factoryID)
	if err != nil {
		return err
	}

	fmt.Printf("Offline activation response:\n\n  %s\n\n", code)
	fmt.Printf("  Machine ID:  %s\n", machineID)
	fmt.Printf("  Factory ID:  %s\n", strings.ToUpper(strings.TrimSpace(factoryID)))
	fmt.Printf("\nThe activation dialog accepts the code with or without hyphens.\n")
	return nil
}

func newCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List the licensable inspection standards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCatalog()
		},
	}
}

func runCatalog() error {
	fmt.Printf("%-6s %-14s %s\n", "TOKEN", "CODE", "NAME")
	for _, std := range license.DefaultCatalog().Standards() {
		fmt.Printf("%-6s %-14s %s\n", std.Token, std.Code, std.Name)
	}
	return nil
}

func newMachineIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "machine-id",
		Short: "Print this machine's identity",
		Long: `Print the machine fingerprint and the hardware factors behind it.

The value matches what the ScanMaster activation dialog shows, so support
can compare what a customer reads out against a machine they control.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMachineID()
		},
	}
}

func runMachineID() error {
	info := security.NewIdentity(stderrLogger()).Info()

	fmt.Printf("Machine identity:\n\n")
	fmt.Printf("  Machine ID:  %s\n", info.MachineID)
	fmt.Printf("  Hostname:    %s\n", info.Hostname)
	fmt.Printf("  Platform:    %s\n", info.Platform)
	fmt.Printf("  Arch:        %s\n", info.Arch)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("smlic %s\n", contracts.Version)
			fmt.Printf("  Build time: %s\n", contracts.BuildTime)
			fmt.Printf("  Git commit: %s\n", contracts.GitCommit)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// newIssuer wires the signing stack from configuration. A non-empty
// secretOverride replaces the configured secret for a single run, for
// example when issuing against a differently keyed product build.
func newIssuer(secretOverride string) (*issuer.Issuer, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	secret := cfg.Licensing.Secret
	if secretOverride != "" {
		secret = secretOverride
	}

	signer := license.NewSigner(secret)
	catalog := license.DefaultCatalog()
	codec := license.NewCodec(cfg.Licensing.KeyPrefix, signer, catalog)
	return issuer.New(codec, signer, catalog, stderrLogger()), nil
}

// stderrLogger keeps component warnings visible without mixing info-level
// noise into the printed results.
func stderrLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func printKeyDetails(parsed *license.ParsedLicense) {
	codes := make([]string, len(parsed.Standards))
	for i, std := range parsed.Standards {
		codes[i] = std.Code
	}

	fmt.Printf("  Factory ID:  %s\n", parsed.FactoryID)
	fmt.Printf("  Standards:   %s\n", strings.Join(codes, ", "))
	if parsed.IsLifetime {
		fmt.Printf("  Expires:     never (lifetime)\n")
	} else {
		fmt.Printf("  Expires:     %s\n", parsed.ExpiryDate.Format("2006-01-02"))
	}
}
