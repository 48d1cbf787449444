package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	decideInput  string
	decideReward float64
	decideRated  bool
)

var decideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Run one decision cycle on a JSON request from a file or stdin",
	Long: `Reads a DecisionRequest as JSON (from --file, or stdin when omitted),
prints the OutputCommand and, with --reward, applies a scalar reward to the
chosen (state, action) pair before the Q-table is flushed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		decideRated = cmd.Flags().Changed("reward")
		return decide(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	decideCmd.Flags().StringVarP(&decideInput, "file", "f", "", "request file (default stdin)")
	decideCmd.Flags().Float64Var(&decideReward, "reward", 0, "scalar reward for the chosen action")
}

// #region decide
func decide(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	raw, err := readInput(decideInput, stdin)
	if err != nil {
		return err
	}
	var req contracts.DecisionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrMalformedRequest, err)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	out, derr := a.engine.Decide(ctx, req)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if derr != nil {
		return derr
	}

	if decideRated {
		r := decideReward
		if _, err := a.engine.SubmitReward(contracts.RewardSubmission{
			SubmissionID: uuid.NewString(),
			CycleID:      out.CycleID,
			StateKey:     out.StateKey,
			ActionID:     out.ActionID,
			Reward:       &r,
		}); err != nil {
			return fmt.Errorf("reward: %w", err)
		}
	}
	_, err = a.scheduler.FlushSnapshot(ctx, false)
	return err
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

// #endregion decide
