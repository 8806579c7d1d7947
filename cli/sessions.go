package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fwdslsh/dispatch/internal/domain"
)

func newCreateCmd() *cobra.Command {
	var (
		kind string
		meta string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run session",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &domain.CreateRunSessionRequest{Kind: domain.SessionKind(kind), OwnerUserID: userID}
			if meta != "" {
				if !json.Valid([]byte(meta)) {
					return fmt.Errorf("--meta is not valid JSON")
				}
				req.Meta = json.RawMessage(meta)
			}

			resp, err := newClient().Create(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Println(resp.RunID)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(domain.SessionKindShell), "Session kind (shell, ai, file-editor)")
	cmd.Flags().StringVar(&meta, "meta", "", "Kind-specific options as JSON")
	return cmd
}

func newListCmd() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List run sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := newClient().List(cmd.Context(), domain.SessionKind(kind))
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tKIND\tSTATUS\tLIVE\tUPDATED")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", s.RunID, s.Kind, s.Status, s.Live, s.UpdatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "Only list sessions of this kind")
	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := newClient().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(status)
		},
	}
}

func newEventsCmd() *cobra.Command {
	var (
		after int64
		limit int
	)

	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Print persisted events after a sequence number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := newClient().Events(cmd.Context(), args[0], after, limit)
			if err != nil {
				return err
			}
			for _, ev := range events {
				printEvent(ev)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&after, "after", 0, "Only events with a greater sequence number")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of events (server default when 0)")
	return cmd
}

func newInputCmd() *cobra.Command {
	var newline bool

	cmd := &cobra.Command{
		Use:   "input <run-id> <data>",
		Short: "Send input to a live session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := args[1]
			if newline {
				data += "\n"
			}
			return newClient().SendInput(cmd.Context(), args[0], data)
		},
	}

	cmd.Flags().BoolVar(&newline, "newline", true, "Append a newline to the input")
	return cmd
}

func newOpCmd() *cobra.Command {
	var params string

	cmd := &cobra.Command{
		Use:   "op <run-id> <operation>",
		Short: "Invoke a kind-specific operation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if params != "" {
				if !json.Valid([]byte(params)) {
					return fmt.Errorf("--params is not valid JSON")
				}
				raw = json.RawMessage(params)
			}

			res, err := newClient().Operation(cmd.Context(), args[0], args[1], raw)
			if err != nil {
				return err
			}
			if !res.Supported {
				return fmt.Errorf("operation %q not supported: %s", args[1], res.Reason)
			}
			return printJSON(res.Result)
		},
	}

	cmd.Flags().StringVar(&params, "params", "", "Operation parameters as JSON")
	return cmd
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a persisted run session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient().Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !res.Resumed {
				fmt.Printf("%s not resumed: %s\n", res.RunID, res.Reason)
				return nil
			}
			fmt.Printf("%s resumed (%s, %d recent events replayed)\n", res.RunID, res.Kind, res.RecentEventsCount)
			return nil
		},
	}
}

func newCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <run-id>",
		Short: "Stop a run session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().Close(cmd.Context(), args[0])
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printEvent(ev domain.SessionEvent) {
	ts := time.UnixMilli(ev.Ts).Local().Format("15:04:05.000")
	fmt.Printf("%6d %s %-20s %-10s %s\n", ev.Seq, ts, ev.Channel, ev.Type, ev.Payload)
}
