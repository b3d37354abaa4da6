package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/capgate/internal/catalog"
)

var catalogAsJSON bool

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.Flags().BoolVar(&catalogAsJSON, "json", false, "Print the machine-readable view with parameter schemas")
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List the active capabilities",
	Long: "Shows every capability in the active catalog with its risk level and\n" +
		"backend. Plugins disabled by risk policy or manifest errors are listed\n" +
		"separately.",
	RunE: runCatalog,
}

func runCatalog(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	cat := rt.gateway.Catalog()

	if catalogAsJSON {
		printJSON(cat.ReasonerView())
		return nil
	}

	descs := cat.List(catalog.Filter{})
	fmt.Printf("%-35s %-10s %-10s %s\n", "CAPABILITY", "RISK", "BACKEND", "DESCRIPTION")
	for _, d := range descs {
		name := d.Name
		if d.ConfirmationRequired {
			name += " *"
		}
		fmt.Printf("%-35s %-10s %-10s %s\n", name, d.RiskLevel, d.Backend.Kind, truncate(d.Description, 50))
	}
	if len(descs) > 0 {
		fmt.Println("\n* requires confirmation")
	}

	for plugin, reason := range cat.Disabled() {
		fmt.Printf("disabled: %-25s %s\n", plugin, reason)
	}
	for plugin, loadErr := range cat.LoadErrors() {
		fmt.Printf("rejected: %-25s %v\n", plugin, loadErr)
	}
	return nil
}
