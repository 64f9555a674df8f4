package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/repoherd/repoherd/internal/config"
	"github.com/repoherd/repoherd/internal/database"
)

func init() {
	var params struct {
		configFile string
		log        *logParams
	}

	secrets := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the encrypted shared secret store",
	}

	set := &cobra.Command{
		Use:   "set <name> <file>",
		Short: "Store a secret from a YAML file",
		Long: `Reads a secret definition (a mapping with a "type" key) from the given
file and stores it encrypted. Use "-" to read from stdin.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bs, err := readInput(args[1])
			if err != nil {
				return err
			}

			secret := &config.Secret{Name: args[0]}
			if err := yaml.Unmarshal(bs, &secret.Value); err != nil {
				return err
			}
			if secret.Method() == "" {
				return fmt.Errorf("secret %q does not declare a type", args[0])
			}

			db, err := openDB(cmd, params.configFile, params.log)
			if err != nil {
				return err
			}
			defer db.CloseDB()

			return db.UpsertSecret(cmd.Context(), secret)
		},
	}

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a stored secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd, params.configFile, params.log)
			if err != nil {
				return err
			}
			defer db.CloseDB()

			return db.DeleteSecret(cmd.Context(), args[0])
		},
	}

	secrets.PersistentFlags().StringVarP(&params.configFile, "config", "c", "config.yml", "configuration file")
	params.log = addLogFlags(secrets.PersistentFlags())

	secrets.AddCommand(set, del)
	RootCommand.AddCommand(secrets)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func openDB(cmd *cobra.Command, configFile string, log *logParams) (*database.Database, error) {
	root, err := loadConfig(configFile)
	if err != nil {
		return nil, err
	}

	db := database.New().WithConfig(root.Database).WithLogger(log.logger())
	if err := db.InitDB(cmd.Context()); err != nil {
		return nil, err
	}
	return db, nil
}
