package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/session"
)

var (
	sessionFlag string
	jsonFlag    bool
	timeoutFlag time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "chatsyncctl",
		Short:         "Control a running chatsyncd session",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")
	root.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
	root.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 30*time.Second, "per-command timeout")

	root.AddCommand(
		statusCmd(),
		reconnectCmd(),
		backgroundCmd(),
		watchCmd(),
		openCmd(),
		closeCmd(),
		listCmd(),
		moreCmd(),
		refreshCmd(),
		sendCmd(),
		sendMediaCmd(),
		retryCmd(),
		deleteCmd(),
		downloadCmd(),
		typingCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// connect dials the daemon of the selected session. The socket recorded in
// the session lock wins over the default path.
func connect() (*api.Client, string, error) {
	name, err := session.Resolve(sessionFlag)
	if err != nil {
		return nil, "", err
	}
	socket := session.SocketPath(name)
	if info, held, _ := lock.Probe(session.Dir(name)); held && info.Socket != "" {
		socket = info.Socket
	}
	c, err := api.Dial(socket)
	if err != nil {
		return nil, "", fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
	}
	return c, name, nil
}

// explain turns an unreachable socket into a hint when no daemon holds the
// session.
func explain(name string, err error) error {
	if grpcstatus.Code(err) != codes.Unavailable {
		return err
	}
	if _, held, _ := lock.Probe(session.Dir(name)); !held {
		return fmt.Errorf("no daemon is running for session %q (start it with: chatsyncd --session %s)", name, name)
	}
	return err
}

// run dials the daemon and calls fn with a bounded context.
func run(cmd *cobra.Command, fn func(ctx context.Context, c *api.Client) error) error {
	c, name, err := connect()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	ctx, cancel := context.WithTimeout(cmd.Context(), timeoutFlag)
	defer cancel()
	return explain(name, fn(ctx, c))
}

// conversationID mounts the chat with peer (a no-op when already open) and
// returns its id.
func conversationID(ctx context.Context, c *api.Client, peer string) (string, error) {
	resp, err := c.OpenConversation(ctx, peer, "")
	if err != nil {
		return "", err
	}
	id, _ := resp["conversation_id"].(string)
	return id, nil
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
