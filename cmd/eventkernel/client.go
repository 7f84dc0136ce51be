package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/eventlog"
)

// apiClient calls the server's HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

func newClient(cmd *cobra.Command) *apiClient {
	base, _ := cmd.Flags().GetString("api")
	return &apiClient{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: 30 * time.Second}}
}

// do sends body as JSON and decodes the response into out when both are
// non-nil. Error responses are returned as errors carrying the server's
// message.
func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

func logPath(cmd *cobra.Command) (string, error) {
	v, _ := cmd.Flags().GetString("log")
	if v == "" {
		return "", fmt.Errorf("--log is required")
	}
	id, err := parseLogID(v)
	if err != nil {
		return "", err
	}
	return "/v1/logs/" + url.PathEscape(id.Store) + "/" + url.PathEscape(id.Namespace) + "/" + url.PathEscape(id.Sequence), nil
}

func tenantPath(cmd *cobra.Command) string {
	t, _ := cmd.Flags().GetString("tenant")
	return "/v1/tenants/" + url.PathEscape(t)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLogsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logs",
		Short: "List defined logs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out json.RawMessage
			if err := newClient(cmd).do(cmd.Context(), http.MethodGet, "/v1/logs", nil, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}

func newAppendCommand() *cobra.Command {
	appendCmd := &cobra.Command{
		Use:   "append",
		Short: "Append events for one source",
		Long:  "Append one event given by --type and --content, or a JSON array of events from --file (- for stdin).",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := logPath(cmd)
			if err != nil {
				return err
			}
			source, _ := cmd.Flags().GetString("source")
			typ, _ := cmd.Flags().GetString("type")
			content, _ := cmd.Flags().GetString("content")
			file, _ := cmd.Flags().GetString("file")
			correlation, _ := cmd.Flags().GetString("correlation-id")

			var events []eventlog.Event
			switch {
			case file != "":
				data, err := readInput(cmd, file)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &events); err != nil {
					return fmt.Errorf("decode %s: %w", file, err)
				}
			case typ != "":
				if !json.Valid([]byte(content)) {
					return fmt.Errorf("--content is not valid JSON")
				}
				events = []eventlog.Event{{
					Type:    eventlog.EventTypeID(typ),
					Content: json.RawMessage(content),
					Context: eventlog.EventContext{CorrelationID: correlation},
				}}
			default:
				return fmt.Errorf("one of --type or --file is required")
			}

			var resp struct {
				SequenceNumbers []eventlog.SequenceNumber `json:"sequence_numbers"`
			}
			err = newClient(cmd).do(cmd.Context(), http.MethodPost, path+"/events", nil,
				map[string]any{"source": source, "events": events}, &resp)
			if err != nil {
				return err
			}
			for _, seq := range resp.SequenceNumbers {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), uint64(seq))
			}
			return nil
		},
	}
	appendCmd.Flags().String("log", "", "Log: store/namespace/sequence")
	appendCmd.Flags().String("source", "", "Source key")
	appendCmd.Flags().String("type", "", "Event type")
	appendCmd.Flags().String("content", "{}", "Event content (JSON)")
	appendCmd.Flags().String("file", "", "JSON array of events (- for stdin)")
	appendCmd.Flags().String("correlation-id", "", "Correlation id recorded with the event")
	_ = appendCmd.MarkFlagRequired("source")
	return appendCmd
}

func readInput(cmd *cobra.Command, file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(file)
}

func newReadCommand() *cobra.Command {
	readCmd := &cobra.Command{
		Use:   "read",
		Short: "Read events as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := logPath(cmd)
			if err != nil {
				return err
			}
			from, _ := cmd.Flags().GetUint64("from")
			limit, _ := cmd.Flags().GetInt("limit")
			all, _ := cmd.Flags().GetBool("all")

			q := url.Values{}
			for _, name := range []string{"to", "types", "source", "where"} {
				if v, _ := cmd.Flags().GetString(name); v != "" {
					q.Set(name, v)
				}
			}
			q.Set("limit", strconv.Itoa(limit))

			c := newClient(cmd)
			enc := json.NewEncoder(cmd.OutOrStdout())
			next := eventlog.SequenceNumber(from)
			for {
				q.Set("from", strconv.FormatUint(uint64(next), 10))
				var page struct {
					Events []eventlog.AppendedEvent `json:"events"`
					Next   eventlog.SequenceNumber  `json:"next"`
				}
				if err := c.do(cmd.Context(), http.MethodGet, path+"/events", q, nil, &page); err != nil {
					return err
				}
				for _, ev := range page.Events {
					if err := enc.Encode(ev); err != nil {
						return err
					}
				}
				if !all || len(page.Events) < limit || page.Next <= next {
					return nil
				}
				next = page.Next
			}
		},
	}
	readCmd.Flags().String("log", "", "Log: store/namespace/sequence")
	readCmd.Flags().Uint64("from", 0, "First sequence number")
	readCmd.Flags().String("to", "", "Last sequence number (inclusive)")
	readCmd.Flags().String("types", "", "Comma-separated event types")
	readCmd.Flags().String("source", "", "Only events of this source")
	readCmd.Flags().String("where", "", "CEL predicate, e.g. 'content.total > 100.0'")
	readCmd.Flags().Int("limit", 100, "Events per page")
	readCmd.Flags().Bool("all", false, "Follow pages to the end of the log")
	return readCmd
}

func newTailCommand() *cobra.Command {
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the tail sequence number of a log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := logPath(cmd)
			if err != nil {
				return err
			}
			q := url.Values{}
			if v, _ := cmd.Flags().GetString("types"); v != "" {
				q.Set("types", v)
			}
			var out json.RawMessage
			if err := newClient(cmd).do(cmd.Context(), http.MethodGet, path+"/tail", q, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	tailCmd.Flags().String("log", "", "Log: store/namespace/sequence")
	tailCmd.Flags().String("types", "", "Comma-separated event types")
	return tailCmd
}

func newRedactCommand() *cobra.Command {
	redactCmd := &cobra.Command{
		Use:   "redact",
		Short: "Redact one event or every event of a source",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := logPath(cmd)
			if err != nil {
				return err
			}
			reason, _ := cmd.Flags().GetString("reason")
			source, _ := cmd.Flags().GetString("source")
			types, _ := cmd.Flags().GetStringSlice("types")

			body := map[string]any{"reason": reason}
			if cmd.Flags().Changed("seq") {
				seq, _ := cmd.Flags().GetUint64("seq")
				body["sequence_number"] = seq
			}
			if source != "" {
				body["source"] = source
			}
			if len(types) > 0 {
				body["event_types"] = types
			}
			var out struct {
				Redacted int `json:"redacted"`
			}
			if err := newClient(cmd).do(cmd.Context(), http.MethodPost, path+"/redact", nil, body, &out); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "redacted:", out.Redacted)
			return nil
		},
	}
	redactCmd.Flags().String("log", "", "Log: store/namespace/sequence")
	redactCmd.Flags().Uint64("seq", 0, "Sequence number of the event")
	redactCmd.Flags().String("source", "", "Redact every event of this source")
	redactCmd.Flags().StringSlice("types", nil, "Restrict source redaction to these event types")
	redactCmd.Flags().String("reason", "", "Redaction reason")
	redactCmd.MarkFlagsMutuallyExclusive("seq", "source")
	return redactCmd
}

func newJobsCommand() *cobra.Command {
	jobsCmd := &cobra.Command{Use: "jobs", Short: "Job operations"}
	jobsCmd.PersistentFlags().String("tenant", "default", "Tenant")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if v, _ := cmd.Flags().GetString("status"); v != "" {
				q.Set("status", v)
			}
			var out json.RawMessage
			if err := newClient(cmd).do(cmd.Context(), http.MethodGet, tenantPath(cmd)+"/jobs", q, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	listCmd.Flags().String("status", "", "Comma-separated statuses")

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a job and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(cmd)
			p := tenantPath(cmd) + "/jobs/" + url.PathEscape(args[0])
			var job, steps json.RawMessage
			if err := c.do(cmd.Context(), http.MethodGet, p, nil, nil, &job); err != nil {
				return err
			}
			if err := c.do(cmd.Context(), http.MethodGet, p+"/steps", nil, nil, &steps); err != nil {
				return err
			}
			return printJSON(cmd, map[string]json.RawMessage{"job": job, "steps": steps})
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := tenantPath(cmd) + "/jobs/" + url.PathEscape(args[0]) + "/stop"
			if err := newClient(cmd).do(cmd.Context(), http.MethodPost, p, nil, nil, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Stop and remove a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := tenantPath(cmd) + "/jobs/" + url.PathEscape(args[0])
			if err := newClient(cmd).do(cmd.Context(), http.MethodDelete, p, nil, nil, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}

	jobsCmd.AddCommand(listCmd, getCmd, stopCmd, deleteCmd)
	return jobsCmd
}

func newObserversCommand() *cobra.Command {
	obsCmd := &cobra.Command{Use: "observers", Short: "Observer operations"}
	obsCmd.PersistentFlags().String("tenant", "default", "Tenant")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List observers and their positions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out json.RawMessage
			if err := newClient(cmd).do(cmd.Context(), http.MethodGet, tenantPath(cmd)+"/observers", nil, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}

	failedCmd := &cobra.Command{
		Use:   "failed <observer>",
		Short: "List failed partitions of an observer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := tenantPath(cmd) + "/observers/" + url.PathEscape(args[0]) + "/failed-partitions"
			var out json.RawMessage
			if err := newClient(cmd).do(cmd.Context(), http.MethodGet, p, nil, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}

	skipCmd := &cobra.Command{
		Use:   "skip <observer> <partition>",
		Short: "Give up on a failed partition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := tenantPath(cmd) + "/observers/" + url.PathEscape(args[0]) +
				"/failed-partitions/" + url.PathEscape(args[1]) + "/skip"
			if err := newClient(cmd).do(cmd.Context(), http.MethodPost, p, nil, nil, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}

	catchUpCmd := &cobra.Command{
		Use:   "catch-up <observer>",
		Short: "Start a catch-up pass for an observer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := tenantPath(cmd) + "/observers/" + url.PathEscape(args[0]) + "/catch-up"
			if err := newClient(cmd).do(cmd.Context(), http.MethodPost, p, nil, nil, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}

	obsCmd.AddCommand(listCmd, failedCmd, skipCmd, catchUpCmd)
	return obsCmd
}
