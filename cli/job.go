package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cncaiprojem/freecad-core/scheduler"
)

// sharedScheduler is a process-lifetime scheduler instance; a real
// deployment would back this with the fleet/repository packages for
// cross-process visibility, wired in by the service entrypoint rather
// than this CLI (out of scope here, matching §6's in-process-only
// Submit/Query/Cancel boundary).
var sharedScheduler = scheduler.New()

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit, query, and cancel jobs",
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new job",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		queue, _ := cmd.Flags().GetString("queue")
		owner, _ := cmd.Flags().GetString("owner")
		idempotencyKey, _ := cmd.Flags().GetString("idempotency-key")
		inputJSON, _ := cmd.Flags().GetString("input")

		var input map[string]interface{}
		if inputJSON != "" {
			if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
				return fail(ExitUsageError, "invalid --input JSON: %w", err)
			}
		}

		job := sharedScheduler.Submit(scheduler.SubmitRequest{
			IdempotencyKey: idempotencyKey,
			Owner:          owner,
			Kind:           scheduler.Kind(kind),
			Queue:          scheduler.Queue(queue),
			Input:          input,
		})
		return printJobJSON(cmd, job)
	},
}

var jobQueryCmd = &cobra.Command{
	Use:   "query [job-id]",
	Short: "Query a job's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, ok := sharedScheduler.Query(args[0])
		if !ok {
			return fail(ExitGeneralError, "job %s not found", args[0])
		}
		return printJobJSON(cmd, job)
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel [job-id]",
	Short: "Request cooperative cancellation of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		if err := sharedScheduler.Cancel(args[0], reason); err != nil {
			return fail(ExitGeneralError, "cancel failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for job %s\n", args[0])
		return nil
	},
}

func printJobJSON(cmd *cobra.Command, job *scheduler.Job) error {
	out, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fail(ExitGeneralError, "marshaling job: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func init() {
	jobSubmitCmd.Flags().String("kind", "", "job kind (prompt|parametric|upload_normalization|assembly|fem|maintenance)")
	jobSubmitCmd.Flags().String("queue", string(scheduler.QueueDefault), "target queue")
	jobSubmitCmd.Flags().String("owner", "", "owning user or tenant")
	jobSubmitCmd.Flags().String("idempotency-key", "", "idempotency key for safe resubmission")
	jobSubmitCmd.Flags().String("input", "", "job input as a JSON object")
	jobCancelCmd.Flags().String("reason", "user requested", "cancellation reason")

	jobCmd.AddCommand(jobSubmitCmd, jobQueryCmd, jobCancelCmd)
	RootCmd.AddCommand(jobCmd)
}
