package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventkernel/internal/server"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/config"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/eventlog"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/observability"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "eventkernel",
		Short:        "Event log, observers and jobs",
		Long:         "eventkernel stores append-only event logs and runs observers over them. Use serve to start the HTTP server; the other commands talk to it or work on a stopped server's data directory.",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", os.Getenv("EVENTKERNEL_CONFIG"), "Config file (yaml or json)")
	root.PersistentFlags().String("data-dir", "", "Data directory (overrides config)")
	root.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error")
	root.PersistentFlags().String("log-format", "", "Log format: text|json")
	root.PersistentFlags().String("api", apiURL(), "Server base URL for client commands")

	root.AddCommand(
		newServeCommand(),
		newLogsCommand(),
		newAppendCommand(),
		newReadCommand(),
		newTailCommand(),
		newRedactCommand(),
		newJobsCommand(),
		newObserversCommand(),
		newExportCommand(),
		newImportCommand(),
	)
	return root
}

func apiURL() string {
	if v := os.Getenv("EVENTKERNEL_API"); v != "" {
		return v
	}
	return "http://127.0.0.1:7070"
}

// loadSettings resolves config file, environment and flags, in that order.
func loadSettings(cmd *cobra.Command) (config.Settings, error) {
	path, _ := cmd.Flags().GetString("config")
	s, err := config.Load(path)
	if err != nil {
		return s, err
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		s.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		s.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		s.LogFormat = v
	}
	return s, nil
}

func newLogger(cmd *cobra.Command, s config.Settings) *slog.Logger {
	return observability.NewLogger(observability.LogConfig{Format: s.LogFormat, Level: s.LogLevel}, cmd.ErrOrStderr())
}

// parseLogID accepts store/namespace/sequence, namespace/sequence or a
// bare sequence name; missing parts default to "default" and "main".
func parseLogID(v string) (eventlog.SequenceID, error) {
	parts := strings.Split(v, "/")
	var id eventlog.SequenceID
	switch len(parts) {
	case 1:
		id = eventlog.SequenceID{Store: "default", Namespace: "main", Sequence: parts[0]}
	case 2:
		id = eventlog.SequenceID{Store: "default", Namespace: parts[0], Sequence: parts[1]}
	case 3:
		id = eventlog.SequenceID{Store: parts[0], Namespace: parts[1], Sequence: parts[2]}
	default:
		return id, fmt.Errorf("invalid log %q; use store/namespace/sequence", v)
	}
	return id, id.Validate()
}

func newServeCommand() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the HTTP server",
		Aliases: []string{"start"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			if v, _ := cmd.Flags().GetString("http"); v != "" {
				s.HTTPAddr = v
			}
			if v, _ := cmd.Flags().GetString("fsync"); v != "" {
				s.Fsync = v
			}
			if v, _ := cmd.Flags().GetString("tenant"); v != "" {
				s.Tenant = v
			}
			return server.Run(cmd.Context(), s, newLogger(cmd, s))
		},
	}
	serveCmd.Flags().String("http", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().String("fsync", "", "Fsync mode: always|interval|never")
	serveCmd.Flags().String("tenant", "", "Tenant opened at startup")
	return serveCmd
}
