package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/emate/decision-core/internal/logging"
	"github.com/danielpatrickdp/emate/decision-core/internal/macro"
	"github.com/danielpatrickdp/emate/decision-core/internal/persona"
	"github.com/danielpatrickdp/emate/decision-core/internal/scheduler"
	"github.com/danielpatrickdp/emate/decision-core/internal/state"
)

var personaCmd = &cobra.Command{
	Use:   "persona",
	Short: "Validate, list and evolve persona constitutions",
}

func init() {
	personaCmd.AddCommand(personaValidateCmd, personaListCmd, personaEvolveCmd)
}

// #region validate
var personaValidateCmd = &cobra.Command{
	Use:   "validate [dir]",
	Short: "Parse and validate every constitution file in a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := cfg.Persona.Dir
		if len(args) == 1 {
			dir = args[0]
		}
		loaded, err := persona.LoadDir(dir)
		if err != nil {
			return err
		}
		for _, c := range loaded {
			fmt.Printf("ok  %-20s v%d  %d actions, %d forbidden, %d rewrites\n",
				c.PersonaID, c.Version, len(c.AllowedActions), len(c.ForbiddenCombinations), len(c.RewriteRules))
		}
		fmt.Printf("%d constitutions valid in %s\n", len(loaded), dir)
		return nil
	},
}

// #endregion validate

// #region list
var personaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List built-in and on-disk personas with their versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := loadPersonas(cfg.Persona, logger)
		if err != nil {
			return err
		}
		if _, err := reg.Activate(cfg.Persona.Default, 0); err != nil {
			return err
		}
		for _, s := range reg.List() {
			active := ""
			if s.Active {
				active = fmt.Sprintf("  (active v%d)", s.ActiveVer)
			}
			fmt.Printf("%-20s versions %v%s\n", s.PersonaID, s.Versions, active)
		}
		return nil
	},
}

// #endregion list

// #region evolve
var personaEvolveCmd = &cobra.Command{
	Use:   "evolve",
	Short: "Run one offline evolution pass over the recorded preference samples",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := state.NewStore(cfg.Storage.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()
		prefs, err := macro.NewPreferenceStore(store.DB())
		if err != nil {
			return err
		}
		audit, err := logging.NewAuditLog(store.DB())
		if err != nil {
			return err
		}
		reg, err := loadPersonas(cfg.Persona, logger)
		if err != nil {
			return err
		}

		s, err := scheduler.New(scheduler.Config{
			PreferenceMaxAge: cfg.Macro.PreferenceMaxAge,
			Evolve:           cfg.Evolve(),
			PersonaDir:       cfg.Persona.Dir,
		}, scheduler.Deps{Preferences: prefs, Personas: reg, Audit: audit}, logger)
		if err != nil {
			return err
		}
		reports, err := s.EvolvePersonas()
		for _, r := range reports {
			if r.Unchanged {
				fmt.Printf("%-20s unchanged (v%d, %d skipped)\n", r.PersonaID, r.From, r.Skipped)
				continue
			}
			fmt.Printf("%-20s v%d -> v%d, %d priors adjusted, %d skipped\n", r.PersonaID, r.From, r.To, r.Adjusted, r.Skipped)
		}
		return err
	},
}

// #endregion evolve
