package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fwdslsh/dispatch/internal/client"
	"github.com/fwdslsh/dispatch/internal/domain"
)

// detachKey (Ctrl-]) ends a raw attach without sending it to the session.
const detachKey = 0x1d

func newAttachCmd() *cobra.Command {
	var (
		after int64
		raw   bool
	)

	cmd := &cobra.Command{
		Use:   "attach <run-id>",
		Short: "Stream a session's events and forward stdin as input",
		Long: `attach replays events after --after, then follows the live stream.
Each line read from stdin is sent as input. With --raw the terminal is put
in raw mode, keystrokes are forwarded as typed and only output is printed;
press Ctrl-] to detach.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			stream, err := client.Dial(ctx, wsURL(), apiKey, userID)
			if err != nil {
				return err
			}
			defer stream.Close()

			if raw {
				stdinFd := int(os.Stdin.Fd())
				oldState, err := term.MakeRaw(stdinFd)
				if err != nil {
					return fmt.Errorf("set terminal raw mode: %w", err)
				}
				defer term.Restore(stdinFd, oldState)
			}

			inputErr := make(chan error, 1)
			go func() {
				var err error
				if raw {
					err = forwardRaw(os.Stdin, stream, runID)
				} else {
					err = forwardLines(os.Stdin, stream, runID)
				}
				inputErr <- err
				// A line-mode attach keeps following after stdin ends.
				if raw || err != nil {
					cancel()
				}
			}()

			onEvent := printEvent
			if raw {
				onEvent = writeOutput
			}
			err = stream.Follow(ctx, runID, after, onEvent)
			if errors.Is(err, context.Canceled) || errors.Is(err, client.ErrStreamClosed) {
				select {
				case inErr := <-inputErr:
					return inErr
				default:
					return nil
				}
			}
			return err
		},
	}

	cmd.Flags().Int64Var(&after, "after", 0, "Replay events with a greater sequence number")
	cmd.Flags().BoolVar(&raw, "raw", false, "Raw terminal mode for interactive shells")
	return cmd
}

func forwardLines(r io.Reader, stream *client.Stream, runID string) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := stream.SendInput(runID, scanner.Text()+"\n"); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func forwardRaw(r io.Reader, stream *client.Stream, runID string) error {
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := strings.IndexByte(string(chunk), detachKey); i >= 0 {
				if i > 0 {
					if err := stream.SendInput(runID, string(chunk[:i])); err != nil {
						return err
					}
				}
				return nil
			}
			if err := stream.SendInput(runID, string(chunk)); err != nil {
				return err
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// writeOutput prints output payloads verbatim and drops everything else.
func writeOutput(ev domain.SessionEvent) {
	if ev.Type != "output" {
		return
	}
	var s string
	if err := json.Unmarshal(ev.Payload, &s); err != nil {
		os.Stdout.Write(ev.Payload)
		return
	}
	io.WriteString(os.Stdout, s)
}
