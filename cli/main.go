// Package main is the dispatch command-line client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fwdslsh/dispatch/internal/client"
)

// Global flags.
var (
	serverURL string
	apiKey    string
	userID    string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dispatch",
		Short: "Manage run sessions on a dispatch server",
		Long: `dispatch creates, inspects and attaches to run sessions (shell, ai,
file-editor) hosted by a dispatch server. Attaching replays missed events
before switching to the live stream.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("DISPATCH_SERVER", "http://localhost:8080"), "Server base URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("DISPATCH_API_KEY"), "API key")
	root.PersistentFlags().StringVar(&userID, "user", envOr("USER", ""), "User ID sent in the WebSocket hello")

	root.AddCommand(newCreateCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newGetCmd())
	root.AddCommand(newEventsCmd())
	root.AddCommand(newInputCmd())
	root.AddCommand(newOpCmd())
	root.AddCommand(newAttachCmd())
	root.AddCommand(newResumeCmd())
	root.AddCommand(newCloseCmd())

	return root
}

func newClient() *client.Client {
	return client.New(serverURL, apiKey)
}

// wsURL maps the REST base URL to the WebSocket endpoint.
func wsURL() string {
	u := strings.TrimSuffix(serverURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
