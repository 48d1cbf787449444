package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/graph"
	"github.com/danielpatrickdp/emate/decision-core/internal/logging"
	"github.com/danielpatrickdp/emate/decision-core/internal/state"
)

var (
	inspectDB    string
	inspectLast  int
	inspectJSON  bool
	inspectFrom  string
	inspectFloor float64
	inspectKind  string
	inspectCycle string
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect Q-table snapshots, the transition graph and the decision log",
}

func init() {
	inspectCmd.PersistentFlags().StringVar(&inspectDB, "db", "", "database path (default storage.db_path)")
	inspectCmd.PersistentFlags().IntVar(&inspectLast, "last", 20, "show the N most recent rows")
	inspectCmd.PersistentFlags().BoolVar(&inspectJSON, "json", false, "output as JSON instead of a table")

	transitionsCmd.Flags().StringVar(&inspectFrom, "from", "", "only edges leaving this state key")
	transitionsCmd.Flags().Float64Var(&inspectFloor, "floor", 0, "minimum edge weight with --from")
	decisionsCmd.Flags().StringVar(&inspectKind, "kind", "", "decision | reward | persona_swap | snapshot")
	decisionsCmd.Flags().StringVar(&inspectCycle, "cycle", "", "every entry of one cycle")

	inspectCmd.AddCommand(snapshotsCmd, rollbackCmd, transitionsCmd, decisionsCmd)
}

func openInspectStore() (*state.Store, error) {
	path := inspectDB
	if path == "" {
		path = cfg.Storage.DBPath
	}
	return state.NewStore(path)
}

// #region snapshots
type snapshotRow struct {
	VersionID          string `json:"version_id"`
	ParentID           string `json:"parent_id,omitempty"`
	DiscretizerVersion string `json:"discretizer_version"`
	Entries            int    `json:"entries"`
	CreatedAt          string `json:"created_at"`
	Active             bool   `json:"active"`
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List Q-table snapshot versions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openInspectStore()
		if err != nil {
			return err
		}
		defer store.Close()

		versions, err := store.ListVersions(inspectLast)
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			fmt.Fprintln(os.Stderr, "no snapshots found")
			return nil
		}
		activeID := ""
		if cur, err := store.GetCurrent(); err == nil {
			activeID = cur.VersionID
		}

		rows := make([]snapshotRow, len(versions))
		for i, v := range versions {
			rows[i] = snapshotRow{
				VersionID:          v.VersionID,
				ParentID:           v.ParentID,
				DiscretizerVersion: v.DiscretizerVersion,
				Entries:            v.EntryCount,
				CreatedAt:          v.CreatedAt.Format("2006-01-02T15:04:05Z"),
				Active:             v.VersionID == activeID,
			}
		}
		if inspectJSON {
			return printJSON(rows)
		}
		fmt.Printf("%-12s  %-12s  %-8s  %8s  %-20s  %s\n", "Version", "Parent", "Discr.", "Entries", "Time", "Active")
		fmt.Printf("%-12s+-%-12s+-%-8s+-%8s+-%-20s+-%s\n",
			"------------", "------------", "--------", "--------", "--------------------", "------")
		for _, r := range rows {
			active := ""
			if r.Active {
				active = "*"
			}
			fmt.Printf("%-12s  %-12s  %-8s  %8d  %-20s  %s\n",
				shortID(r.VersionID), shortID(r.ParentID), r.DiscretizerVersion, r.Entries, r.CreatedAt, active)
		}
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <version-id>",
	Short: "Make an earlier snapshot the active one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openInspectStore()
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Rollback(args[0]); err != nil {
			return err
		}
		fmt.Printf("active snapshot is now %s\n", args[0])
		return nil
	},
}

// #endregion snapshots

// #region transitions
var transitionsCmd = &cobra.Command{
	Use:   "transitions",
	Short: "Show the heaviest observed state transitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openInspectStore()
		if err != nil {
			return err
		}
		defer store.Close()
		g, err := graph.NewTransitionStore(store.DB())
		if err != nil {
			return err
		}

		var edges []graph.Transition
		if inspectFrom != "" {
			edges, err = g.Neighbors(contracts.StateKey(inspectFrom), inspectFloor)
		} else {
			edges, err = g.Top(inspectLast)
		}
		if err != nil {
			return err
		}
		if inspectJSON {
			return printJSON(edges)
		}
		fmt.Printf("%8s  %6s  %-18s  %s\n", "Weight", "Seen", "Action", "From -> To")
		for _, e := range edges {
			fmt.Printf("%8.4f  %6d  %-18s  %s -> %s\n", e.Weight, e.Observed, e.ActionID, e.From, e.To)
		}
		return nil
	},
}

// #endregion transitions

// #region decisions
var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "Show the audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openInspectStore()
		if err != nil {
			return err
		}
		defer store.Close()
		audit, err := logging.NewAuditLog(store.DB())
		if err != nil {
			return err
		}

		var entries []logging.AuditEntry
		if inspectCycle != "" {
			entries, err = audit.ForCycle(inspectCycle)
		} else {
			entries, err = audit.Recent(logging.Kind(inspectKind), inspectLast)
		}
		if err != nil {
			return err
		}
		if inspectJSON {
			return printJSON(entries)
		}
		fmt.Printf("%-20s  %-12s  %-12s  %-18s  %-18s  %s\n", "Time", "Kind", "Cycle", "Persona", "Action", "Policy / Reason")
		for _, e := range entries {
			detail := e.Policy
			if e.Reason != "" {
				detail += " " + e.Reason
			}
			fmt.Printf("%-20s  %-12s  %-12s  %-18s  %-18s  %s\n",
				e.CreatedAt.Format("2006-01-02T15:04:05Z"), e.Kind, shortID(e.CycleID), e.PersonaID, e.ActionID, detail)
		}
		return nil
	},
}

// #endregion decisions

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
