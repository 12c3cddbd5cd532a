package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/trace"
)

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Trace file operations",
}

var traceVerifyCmd = &cobra.Command{
	Use:   "verify [trace.jsonl]",
	Short: "Verify trace file integrity (hash chain + signature)",
	Args:  cobra.ExactArgs(1),
	RunE:  runTraceVerify,
}

func init() {
	traceCmd.AddCommand(traceVerifyCmd)
}

func runTraceVerify(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	result, err := trace.VerifyFile(args[0])
	if err != nil {
		return err
	}

	if !result.Valid {
		fmt.Fprintf(out, "✗ Chain broken at event %d\n", result.BrokenAt)
		if result.Error != "" {
			fmt.Fprintf(out, "  %s\n", result.Error)
		}
		return fmt.Errorf("chain verification failed")
	}

	fmt.Fprintf(out, "✓ Chain integrity: %d events, no breaks\n", result.EventCount)
	status := string(result.Status)
	if status == "" {
		status = "incomplete"
	}
	fmt.Fprintf(out, "  run %s (%s): %s, %d steps, %d flows, %d caught\n",
		result.RunID, result.Process, status,
		result.Events[trace.EventStepStart], result.Events[trace.EventFlowEnter],
		result.Events[trace.EventErrorCaught])

	if result.ChainHash != "" {
		keyLabel := result.SigningKeyID
		switch {
		case result.SignatureOK:
			if keyLabel == "" {
				keyLabel = "(default)"
			}
			fmt.Fprintf(out, "✓ Signature valid: signed by key %q\n", keyLabel)
		case result.SignatureNoKey:
			if keyLabel == "" {
				keyLabel = "unknown"
			}
			fmt.Fprintf(out, "⚠ Signature present (key %q) but no %s set to verify\n", keyLabel, trace.SigningKeyEnv)
		case result.SigningKeyID != "":
			fmt.Fprintf(out, "✗ Signature invalid\n")
			return fmt.Errorf("signature verification failed")
		}
	}
	return nil
}
