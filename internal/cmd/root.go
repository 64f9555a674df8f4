// Package cmd implements the repoherd command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/thediveo/enumflag/v2"

	"github.com/repoherd/repoherd/internal/config"
	"github.com/repoherd/repoherd/internal/logging"
)

var RootCommand = &cobra.Command{
	Use:   "repoherd",
	Short: "Repository lifecycle orchestrator",
	Long: `repoherd keeps local working copies of managed git repositories current.
It resolves access credentials, clones and incrementally synchronizes each
repository, and reports every sync pass for downstream analysis.`,
}

func Execute() {
	if err := RootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}

var logLevels = map[int][]string{
	logging.LogLevelDebug: {"debug"},
	logging.LogLevelInfo:  {"info"},
	logging.LogLevelWarn:  {"warn"},
	logging.LogLevelError: {"error"},
}

var logFormats = map[int][]string{
	logging.LogFormatJSON:      {"json"},
	logging.LogFormatText:      {"text"},
	logging.LogFormatTextColor: {"text-color"},
}

type logParams struct {
	level  int
	format int
}

func addLogFlags(fs *pflag.FlagSet) *logParams {
	params := logParams{level: logging.LogLevelInfo, format: logging.LogFormatJSON}
	fs.Var(
		enumflag.New(&params.level, "log-level", logLevels, enumflag.EnumCaseInsensitive),
		"log-level", "log level (debug, info, warn, error)")
	fs.Var(
		enumflag.New(&params.format, "log-format", logFormats, enumflag.EnumCaseInsensitive),
		"log-format", "log format (json, text, text-color)")
	return &params
}

func (p *logParams) logger() *logging.Logger {
	return logging.NewLogger(logging.Config{Level: p.level, Format: p.format})
}

func loadConfig(path string) (*config.Root, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	root, err := config.Parse(bs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return root, nil
}
