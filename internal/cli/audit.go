package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/capgate/internal/audit"
	"github.com/ppiankov/capgate/internal/config"
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditReplayCmd)
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying and inspecting the hash-chained audit log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [dir]",
	Short: "Verify hash chain integrity of the audit log",
	Long: "Walks every audit segment in order and validates that each entry's\n" +
		"prev_hash matches the SHA-256 of the previous line. Exits 0 if valid,\n" +
		"1 if tampered. Defaults to the configured audit directory.",
	Args: cobra.MaximumNArgs(1),
	RunE: runAuditVerify,
}

var auditReplayCmd = &cobra.Command{
	Use:   "replay <request-id>",
	Short: "Reconstruct one request's audit history",
	Long: "Prints every audit entry recorded for a request id, in order:\n" +
		"the request, the policy decision, confirmation transitions, and the\n" +
		"terminal outcome.",
	Args: cobra.ExactArgs(1),
	RunE: runAuditReplay,
}

func auditDir(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	cfg, err := config.Load(configPath(), baseDir())
	if err != nil {
		return "", err
	}
	return cfg.Audit.Dir, nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	dir, err := auditDir(args)
	if err != nil {
		return err
	}

	result, err := audit.Verify(dir)
	if err != nil {
		return err
	}
	if result.Valid {
		fmt.Printf("OK: %d entries verified\n", result.Entries)
		return nil
	}
	fmt.Fprintf(os.Stderr, "FAILED at entry %d: %s\n", result.BrokenAt, result.Detail)
	os.Exit(1)
	return nil
}

func runAuditReplay(cmd *cobra.Command, args []string) error {
	dir, err := auditDir(nil)
	if err != nil {
		return err
	}

	entries, err := audit.Reconstruct(dir, args[0])
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("no audit entries for request %q", args[0])
	}

	printJSON(entries)
	return nil
}
