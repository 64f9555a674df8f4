package cmd

import (
	"github.com/spf13/cobra"

	"github.com/repoherd/repoherd/internal/config"
)

func init() {
	schema := &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration file JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			bs, err := config.ReflectSchema()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(append(bs, '\n'))
			return err
		},
	}

	RootCommand.AddCommand(schema)
}
