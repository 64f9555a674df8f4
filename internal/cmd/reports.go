package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/repoherd/repoherd/internal/database"
	"github.com/repoherd/repoherd/internal/repos"
)

func init() {
	var params struct {
		configFile string
		since      string
		format     string
		log        *logParams
	}

	reports := &cobra.Command{
		Use:   "reports",
		Short: "List workflow reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := loadConfig(params.configFile)
			if err != nil {
				return err
			}

			var since time.Time
			if params.since != "" {
				if since, err = time.Parse(time.RFC3339, params.since); err != nil {
					return fmt.Errorf("invalid since value: %w", err)
				}
			}

			db := database.New().WithConfig(root.Database).WithLogger(params.log.logger())
			if err := db.InitDB(cmd.Context()); err != nil {
				return err
			}
			defer db.CloseDB()

			var result []repos.Report
			for report, err := range db.ReportsSince(since)(cmd.Context()) {
				if err != nil {
					return err
				}
				result = append(result, report)
			}

			if params.format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("Repository", "State", "Attempts", "Duration", "Changed", "Error kind", "Timestamp")
			for _, r := range result {
				err := table.Append(r.Repository, r.State, strconv.Itoa(r.Attempts),
					r.Duration.Round(time.Millisecond).String(), strconv.Itoa(r.ChangedPaths),
					string(r.ErrorKind), r.Timestamp.Format(time.RFC3339))
				if err != nil {
					return err
				}
			}
			return table.Render()
		},
	}

	reports.Flags().StringVarP(&params.configFile, "config", "c", "config.yml", "configuration file")
	reports.Flags().StringVar(&params.since, "since", "", "only reports at or after this RFC 3339 timestamp")
	reports.Flags().StringVar(&params.format, "format", "table", "output format (table, json)")
	params.log = addLogFlags(reports.Flags())

	RootCommand.AddCommand(reports)
}
