package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cometa-rocks/wsrelay/internal/transport/rpc"
)

// SendActionCmd returns the send-action command.
func SendActionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send-action <json>",
		Short: "Relay an administrative action through the JSON-RPC ingest",
		Long: `Send an action message to a relay running with RPC_PORT set. The message
must carry a "type"; the relay's routing rule for that type decides which
connected clients receive it.

Usage:
  relay send-action '{"type":"[Features] Feature Created","feature_id":7}'
  relay send-action --addr localhost:8092 '{"type":"[Accounts] Account Removed","email":"a@b.com"}'`,
		Args: cobra.ExactArgs(1),
		RunE: runSendAction,
	}

	cmd.Flags().String("addr", "localhost:8092", "Relay JSON-RPC address")
	cmd.Flags().Duration("timeout", 5*time.Second, "Call timeout")

	return cmd
}

func runSendAction(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	var action map[string]interface{}
	if err := json.Unmarshal([]byte(args[0]), &action); err != nil || action == nil {
		return errors.New("action must be a JSON object")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	sent, err := rpc.NewClient(addr).SendAction(ctx, action)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s queued to %d connection(s)\n", color.New(color.FgGreen).Sprint("OK"), sent)
	return nil
}
