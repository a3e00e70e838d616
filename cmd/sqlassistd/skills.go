package main

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func skillsCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "skills",
		Short: "List the skills the assistant can load",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			store, err := openSkills(cfg.Skills)
			if err != nil {
				return err
			}
			data := pterm.TableData{{"ID", "Description"}}
			for _, s := range store.DescribeAll() {
				data = append(data, []string{s.ID, s.Description})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}
}
