package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/capgate/internal/gateway"
)

// resolveConfirmation is the shared body of approve and deny.
func resolveConfirmation(cmd *cobra.Command, id string, approve bool) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	outcome, err := rt.gateway.ResolveConfirmation(cmd.Context(), id, approve)
	if err != nil {
		if errors.Is(err, gateway.ErrConfirmationNotFound) {
			return fmt.Errorf("no confirmation with id %q", id)
		}
		return err
	}

	printJSON(outcome)
	return nil
}
