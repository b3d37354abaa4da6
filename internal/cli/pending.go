package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(pendingCmd)
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List confirmations awaiting a decision",
	Long:  "Shows pending confirmations with their capability, reason, and expiry.",
	RunE:  runPending,
}

func runPending(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	recs, err := rt.gateway.Pending(cmd.Context())
	if err != nil {
		return err
	}

	if len(recs) == 0 {
		fmt.Println("No pending confirmations.")
		return nil
	}

	fmt.Printf("%-36s %-30s %-40s %s\n", "ID", "CAPABILITY", "REASON", "EXPIRES")
	for _, r := range recs {
		fmt.Printf("%-36s %-30s %-40s %s\n",
			r.ID,
			truncate(r.Capability, 30),
			truncate(r.Description, 40),
			r.ExpiresAt.Format("15:04:05"),
		)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
