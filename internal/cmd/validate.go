package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	var params struct {
		configFile string
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file against the schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(params.configFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", params.configFile)
			return nil
		},
	}

	validate.Flags().StringVarP(&params.configFile, "config", "c", "config.yml", "configuration file")

	RootCommand.AddCommand(validate)
}
