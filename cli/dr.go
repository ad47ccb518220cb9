package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cncaiprojem/freecad-core/dr"
)

// sharedHealthMonitor/sharedOrchestrator back the dr command for
// standalone CLI use; a real deployment registers checks against its
// actual storage/AI-provider/solver endpoints and a real Dispatcher.
var sharedHealthMonitor = dr.NewMonitor()
var sharedOrchestrator = dr.NewOrchestrator(sharedHealthMonitor, noopDispatcher{})

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(ctx context.Context, step dr.Step) error {
	return nil
}

var drCmd = &cobra.Command{
	Use:   "dr",
	Short: "Disaster-recovery health and orchestration",
}

var drStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report overall health",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "overall health: %s\n", sharedHealthMonitor.Overall())
		return nil
	},
}

var drDetectCmd = &cobra.Command{
	Use:   "detect [kind] [description]",
	Short: "Manually raise a disaster event and run recovery",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		event := sharedOrchestrator.Detect(rootContext(), dr.EventKind(args[0]), args[1])
		fmt.Fprintf(cmd.OutOrStdout(), "event %s raised with severity %s\n", event.ID, event.Severity)

		updated, err := sharedOrchestrator.InitiateRecovery(rootContext(), event.ID, "")
		if err != nil {
			return fail(ExitGeneralError, "recovery failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "recovery state: %s\n", updated.RecoveryState)
		return nil
	},
}

func init() {
	drCmd.AddCommand(drStatusCmd, drDetectCmd)
	RootCmd.AddCommand(drCmd)
}
