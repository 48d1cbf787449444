package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/discretize"
	"github.com/danielpatrickdp/emate/decision-core/internal/logging"
	"github.com/danielpatrickdp/emate/decision-core/internal/persona"
	"github.com/danielpatrickdp/emate/decision-core/internal/replay"
	"github.com/danielpatrickdp/emate/decision-core/internal/state"
	"github.com/danielpatrickdp/emate/decision-core/internal/writeback"
)

var (
	replayFixture string
	replayDB      string
	replayPersona string
	replayLimit   int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a fixture or the audited decisions of a database greedily",
	RunE: func(cmd *cobra.Command, args []string) error {
		if (replayFixture == "") == (replayDB == "") {
			return fmt.Errorf("exactly one of --fixture or --db is required")
		}
		var diverged bool
		var err error
		if replayFixture != "" {
			diverged, err = runFixtureMode(replayFixture)
		} else {
			diverged, err = runDBMode(replayDB)
		}
		if err != nil {
			return err
		}
		if diverged {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayFixture, "fixture", "", "fixture JSON file")
	replayCmd.Flags().StringVar(&replayDB, "db", "", "database whose decision log is replayed")
	replayCmd.Flags().StringVar(&replayPersona, "persona", "", "built-in persona for priors and bans (default: the fixture's)")
	replayCmd.Flags().IntVar(&replayLimit, "last", 200, "DB mode: replay the N most recent decisions")
}

// #region fixture-mode
func runFixtureMode(path string) (bool, error) {
	f, err := replay.LoadFixture(path)
	if err != nil {
		return false, err
	}
	name := replayPersona
	if name == "" {
		name = f.Persona
	}
	opts, err := personaOptions(name)
	if err != nil {
		return false, err
	}
	results, summary := replay.RunFixture(f, opts)
	return printComparison(results, summary), nil
}

func personaOptions(name string) (replay.Options, error) {
	if name == "" {
		return replay.Options{}, nil
	}
	all, err := persona.Defaults()
	if err != nil {
		return replay.Options{}, err
	}
	for _, c := range all {
		if c.PersonaID == name {
			return replay.Options{Priors: c, Allowed: c.Allows}, nil
		}
	}
	return replay.Options{}, fmt.Errorf("%w: %s", persona.ErrUnknownPersona, name)
}

// #endregion fixture-mode

// #region db-mode
// runDBMode rebuilds interactions from the audit log: each decision payload
// gives the perception fields and the chosen action, each reward row of the
// same cycle gives the reward. The replay starts from an empty table.
func runDBMode(path string) (bool, error) {
	store, err := state.NewStore(path)
	if err != nil {
		return false, err
	}
	defer store.Close()
	audit, err := logging.NewAuditLog(store.DB())
	if err != nil {
		return false, err
	}

	decisions, err := audit.Recent(logging.KindDecision, replayLimit)
	if err != nil {
		return false, err
	}
	if len(decisions) == 0 {
		fmt.Fprintln(os.Stderr, "no audited decisions found")
		return false, nil
	}

	interactions := make([]replay.Interaction, 0, len(decisions))
	for i := len(decisions) - 1; i >= 0; i-- {
		inter, ok := toInteraction(audit, decisions[i])
		if ok {
			interactions = append(interactions, inter)
		}
	}

	opts, err := personaOptions(replayPersona)
	if err != nil {
		return false, err
	}
	results, final := replay.Replay(nil, interactions, replay.DefaultReplayConfig(discretize.Version), opts)
	return printComparison(results, replay.Summarize(results, final)), nil
}

func toInteraction(audit *logging.AuditLog, e logging.AuditEntry) (replay.Interaction, bool) {
	rec, err := writeback.Decode([]byte(e.PayloadJSON))
	if err != nil {
		return replay.Interaction{}, false
	}
	in := rec.InputState
	flags := make([]string, len(in.ContextFlags))
	for i, f := range in.ContextFlags {
		flags[i] = string(f)
	}
	inter := replay.Interaction{
		TurnID: e.CycleID,
		Request: contracts.DecisionRequest{
			SessionID: rec.SessionID,
			UserID:    rec.UserID,
			Perception: contracts.PerceptionInput{
				UserText:      in.UserText,
				SpeechEmotion: string(in.SpeechEmotion),
				TextSentiment: string(in.TextSentiment),
				ContextFlags:  flags,
				TimeOfDay:     string(in.TimeOfDay),
			},
		},
		ExpectedAction: rec.FinalActionID,
	}

	rows, err := audit.ForCycle(e.CycleID)
	if err != nil {
		return inter, true
	}
	for _, r := range rows {
		if r.Kind != logging.KindReward || r.Reason != "" {
			continue
		}
		var p struct {
			Reward float64 `json:"reward"`
		}
		if json.Unmarshal([]byte(r.PayloadJSON), &p) == nil {
			v := p.Reward
			inter.Reward = &v
		}
	}
	return inter, true
}

// #endregion db-mode

// #region output
// printComparison prints one row per turn and reports whether any turn with
// an expected action diverged.
func printComparison(results []replay.ReplayResult, s replay.ReplaySummary) bool {
	fmt.Printf("%-12s| %-16s| %-16s| %-12s| %s\n", "Turn", "Expected", "Replayed", "Update", "Match")
	fmt.Printf("%-12s+%-17s+%-17s+%-13s+%s\n",
		"------------", "-----------------", "-----------------", "-------------", "------")

	for _, r := range results {
		match := "-"
		if r.Expected != "" {
			match = "DIFF"
			if r.Matched {
				match = "OK"
			}
		}
		fmt.Printf("%-12s| %-16s| %-16s| %-12s| %s\n", shortID(r.TurnID), r.Expected, r.ActionID, r.Action, match)
	}

	fmt.Printf("\nSummary: %d turns, %d commits, %d gate rejects, %d no-ops, %d without reward, %d malformed\n",
		s.TotalTurns, s.Commits, s.GateRejects, s.NoOps, s.NoRewards, s.Malformed)
	fmt.Printf("Expectations: %d/%d matched, %d table rows\n", s.Matched, s.Expected, len(s.Entries))
	return s.Matched < s.Expected
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// #endregion output
