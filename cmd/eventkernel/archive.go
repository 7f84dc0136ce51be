package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/archive"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/eventlog"
	"github.com/randalmurphal/eventkernel/pkg/eventkernel/filter"
)

// openOffline opens the kernel on the configured data directory. The
// server must not be running against the same directory.
func openOffline(cmd *cobra.Command) (*eventkernel.Kernel, *slog.Logger, error) {
	s, err := loadSettings(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cmd, s)
	k, err := eventkernel.Open(eventkernel.FromSettings(s), eventkernel.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("open kernel: %w", err)
	}
	return k, logger, nil
}

func openArchive(cmd *cobra.Command, logger *slog.Logger) (*archive.Archive, error) {
	bucket, _ := cmd.Flags().GetString("bucket")
	if bucket == "" {
		return nil, fmt.Errorf("--bucket is required")
	}
	prefix, _ := cmd.Flags().GetString("prefix")
	a, err := archive.Open(cmd.Context(), bucket)
	if err != nil {
		return nil, err
	}
	return a.WithPrefix(prefix).WithLogger(logger), nil
}

// defineLog returns the log for id, defining it when the config does not.
func defineLog(k *eventkernel.Kernel, id eventlog.SequenceID) (*eventlog.Log, error) {
	l, err := k.Log(id)
	if errors.Is(err, eventkernel.ErrLogNotDefined) {
		return k.DefineLog(id)
	}
	return l, err
}

func newExportCommand() *cobra.Command {
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export a range of a log to a bucket",
		Long:  "Export writes events as JSON lines to a gocloud bucket URL such as file:///backups. It opens the data directory directly; stop the server first.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, _ := cmd.Flags().GetString("log")
			id, err := parseLogID(v)
			if err != nil {
				return err
			}
			k, logger, err := openOffline(cmd)
			if err != nil {
				return err
			}
			defer k.Close()

			a, err := openArchive(cmd, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			compress, _ := cmd.Flags().GetBool("compress")
			a.WithCompression(compress)

			r, err := exportRange(cmd)
			if err != nil {
				return err
			}
			l, err := defineLog(k, id)
			if err != nil {
				return err
			}
			m, err := a.Export(cmd.Context(), l, r)
			if err != nil {
				return err
			}
			return printJSON(cmd, m)
		},
	}
	exportCmd.Flags().String("log", "", "Log: store/namespace/sequence")
	exportCmd.Flags().String("bucket", "", "Bucket URL")
	exportCmd.Flags().String("prefix", "", "Key prefix inside the bucket")
	exportCmd.Flags().Uint64("from", 0, "First sequence number")
	exportCmd.Flags().Uint64("to", 0, "Last sequence number (default: tail)")
	exportCmd.Flags().StringSlice("types", nil, "Only these event types")
	exportCmd.Flags().String("source", "", "Only events of this source")
	exportCmd.Flags().String("where", "", "CEL predicate")
	exportCmd.Flags().Bool("compress", true, "zstd-compress the data object")
	_ = exportCmd.MarkFlagRequired("log")
	return exportCmd
}

func exportRange(cmd *cobra.Command) (archive.Range, error) {
	r := archive.All()
	from, _ := cmd.Flags().GetUint64("from")
	r.From = eventlog.SequenceNumber(from)
	if cmd.Flags().Changed("to") {
		to, _ := cmd.Flags().GetUint64("to")
		r.To = eventlog.SequenceNumber(to)
	}
	types, _ := cmd.Flags().GetStringSlice("types")
	for _, t := range types {
		r.Filter.EventTypes = append(r.Filter.EventTypes, eventlog.EventTypeID(t))
	}
	source, _ := cmd.Flags().GetString("source")
	r.Filter.Source = eventlog.SourceKey(source)
	where, _ := cmd.Flags().GetString("where")
	p, err := filter.Compile(where)
	if err != nil {
		return r, err
	}
	r.Where = p
	return r, nil
}

func newImportCommand() *cobra.Command {
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Append the exports of a log from a bucket",
		Long:  "Import appends every export of --log found in the bucket, oldest first, to --into (default: the same log). Redacted events are skipped and events get new sequence numbers. Stop the server first.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, _ := cmd.Flags().GetString("log")
			id, err := parseLogID(v)
			if err != nil {
				return err
			}
			into := id
			if v, _ := cmd.Flags().GetString("into"); v != "" {
				if into, err = parseLogID(v); err != nil {
					return err
				}
			}
			k, logger, err := openOffline(cmd)
			if err != nil {
				return err
			}
			defer k.Close()

			a, err := openArchive(cmd, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			manifests, err := a.Manifests(cmd.Context(), id)
			if err != nil {
				return err
			}
			if len(manifests) == 0 {
				return fmt.Errorf("no exports of %s in bucket", id)
			}
			if err := registerArchivedTypes(cmd.Context(), k, a, manifests); err != nil {
				return err
			}
			l, err := defineLog(k, into)
			if err != nil {
				return err
			}
			total := 0
			for _, m := range manifests {
				n, err := a.Import(cmd.Context(), m, l)
				if err != nil {
					return fmt.Errorf("import %s: %w", m.Key, err)
				}
				total += n
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "imported: %d events from %d exports\n", total, len(manifests))
			return nil
		},
	}
	importCmd.Flags().String("log", "", "Exported log: store/namespace/sequence")
	importCmd.Flags().String("into", "", "Target log (default: --log)")
	importCmd.Flags().String("bucket", "", "Bucket URL")
	importCmd.Flags().String("prefix", "", "Key prefix inside the bucket")
	_ = importCmd.MarkFlagRequired("log")
	return importCmd
}

// registerArchivedTypes registers the event types found in the exports
// that the kernel does not know yet.
func registerArchivedTypes(ctx context.Context, k *eventkernel.Kernel, a *archive.Archive, manifests []*archive.Manifest) error {
	known := make(map[eventlog.EventTypeID]bool)
	for _, t := range k.EventTypes() {
		known[t.ID] = true
	}
	for _, m := range manifests {
		err := a.Read(ctx, m, func(ev eventlog.AppendedEvent) error {
			if known[ev.Type] || ev.Redacted {
				return nil
			}
			known[ev.Type] = true
			return k.RegisterEventType(eventlog.EventType{ID: ev.Type})
		})
		if err != nil {
			return fmt.Errorf("scan %s: %w", m.Key, err)
		}
	}
	return nil
}
