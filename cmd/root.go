// Package cmd implements the nildb command line.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/thediveo/enumflag/v2"

	"github.com/nildb/nildb/internal/config"
	"github.com/nildb/nildb/internal/logging"
)

var RootCommand = &cobra.Command{
	Use:          "nildb",
	Short:        "nildb is a multi-tenant document storage node",
	SilenceUsage: true,
}

type logFormat int

const (
	formatJSON logFormat = iota
	formatConsole
)

var logLevelIds = map[logging.Level][]string{
	logging.Debug: {"debug"},
	logging.Info:  {"info"},
	logging.Warn:  {"warn"},
	logging.Error: {"error"},
}

var logFormatIds = map[logFormat][]string{
	formatJSON:    {"json"},
	formatConsole: {"console", "text"},
}

// commonParams are the flags shared by the commands that open the node's
// configuration and database.
type commonParams struct {
	configFile string
	dataDir    string
	logLevel   logging.Level
	logFormat  logFormat
}

func newCommonParams() *commonParams {
	return &commonParams{logLevel: logging.Info, logFormat: formatConsole}
}

func addCommonFlags(fs *pflag.FlagSet, p *commonParams) {
	fs.StringVarP(&p.configFile, "config", "c", "", "path to the configuration file (YAML or JSON)")
	fs.StringVarP(&p.dataDir, "data-dir", "d", "data", "directory of the SQLite database used when no other database is configured")
	fs.Var(enumflag.New(&p.logLevel, "level", logLevelIds, enumflag.EnumCaseInsensitive), "log-level", "log level: debug, info, warn or error")
	fs.Var(enumflag.New(&p.logFormat, "format", logFormatIds, enumflag.EnumCaseInsensitive), "log-format", "log format: json or console")
}

func (p *commonParams) logger(w io.Writer) *logging.Logger {
	format := "json"
	if p.logFormat == formatConsole {
		format = "console"
	}
	return logging.NewLogger(logging.Config{Level: p.logLevel, Format: format, Output: w})
}

// load reads the configuration file, or the defaults when there is none,
// and points SQLite at the data directory unless another database is
// configured.
func (p *commonParams) load() (*config.Root, error) {
	var root *config.Root
	if p.configFile != "" {
		var err error
		if root, err = config.ParseFile(p.configFile); err != nil {
			return nil, err
		}
	} else {
		root = &config.Root{}
		root.SetDefaults()
	}

	if root.SetSQLitePersistentByDefault(p.dataDir) {
		if err := os.MkdirAll(p.dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	return root, nil
}
