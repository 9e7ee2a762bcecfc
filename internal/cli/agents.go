package cli

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/agentgate/internal/agents"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect agent definitions",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agent definitions and the phases that use them",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		src := agents.NewSource(cfg.Agents.DefinitionsDir)
		ids, err := src.List()
		if err != nil {
			return err
		}

		phasesByAgent := map[string][]string{}
		for phase, pa := range cfg.Agents.Phases {
			phasesByAgent[pa.Agent] = append(phasesByAgent[pa.Agent], phase)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "AGENT\tMODEL\tPHASES\tDESCRIPTION")
		for _, id := range ids {
			data, err := src.Get(id)
			if err != nil {
				return err
			}
			def, err := agents.ParseDefinition(data)
			if err != nil {
				fmt.Fprintf(w, "%s\t\t\t(invalid: %v)\n", id, err)
				continue
			}
			phases := phasesByAgent[id]
			sort.Strings(phases)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, def.Model, joinOrDash(phases), truncate(def.Description, 60))
		}
		return w.Flush()
	},
}

var agentsShowCmd = &cobra.Command{
	Use:   "show <agent>",
	Short: "Print an agent definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := agents.NewSource(cfg.Agents.DefinitionsDir).Get(args[0])
		if err != nil {
			return err
		}
		cmd.Print(string(data))
		return nil
	},
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}

func init() {
	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsShowCmd)
}
