package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/api"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(ctx context.Context, c *api.Client) error {
				resp, err := c.GetStatus(ctx)
				if err != nil {
					return err
				}
				printStatus(resp)
				return nil
			})
		},
	}
}

func printStatus(resp map[string]any) {
	if jsonFlag {
		outputJSON(resp)
		return
	}
	fmt.Printf("Session:   %v\n", resp["session"])
	fmt.Printf("State:     %v\n", resp["state"])
	fmt.Printf("Connected: %v\n", resp["connected"])
	if resp["exhausted"] == true {
		fmt.Println("Reconnect attempts exhausted. Run `chatsyncctl reconnect`.")
	}
	fmt.Printf("Uptime:    %vms\n", resp["uptime_ms"])
	convs, _ := resp["conversations"].([]any)
	for _, v := range convs {
		conv, _ := v.(map[string]any)
		fmt.Printf("  %-30v peer=%v messages=%v\n", conv["conversation_id"], conv["peer_id"], conv["messages"])
	}
}

func reconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconnect",
		Short: "Reset the reconnect budget and dial now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(ctx context.Context, c *api.Client) error {
				resp, err := c.Reconnect(ctx)
				if err != nil {
					return err
				}
				printStatus(resp)
				return nil
			})
		},
	}
}

func backgroundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "background <on|off>",
		Short: "Tell the daemon whether its client is in the background",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var bg bool
			switch args[0] {
			case "on":
				bg = true
			case "off":
			default:
				return fmt.Errorf("background: want on or off, got %q", args[0])
			}
			return run(cmd, func(ctx context.Context, c *api.Client) error {
				return c.Background(ctx, bg)
			})
		},
	}
}

func watchCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream daemon events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, name, err := connect()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = c.WatchEvents(ctx, prefix, func(evt map[string]any) error {
				if jsonFlag {
					outputJSON(evt)
					return nil
				}
				ms, _ := evt["occurred_at_ms"].(float64)
				ts := time.UnixMilli(int64(ms)).Format("15:04:05.000")
				fmt.Printf("%s %-28v %v\n", ts, evt["kind"], evt["payload"])
				return nil
			})
			if ctx.Err() != nil {
				return nil
			}
			return explain(name, err)
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only events whose kind starts with prefix, e.g. message.")
	return cmd
}

func openCmd() *cobra.Command {
	var convID string
	cmd := &cobra.Command{
		Use:   "open <peer>",
		Short: "Mount the conversation with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, c *api.Client) error {
				resp, err := c.OpenConversation(ctx, args[0], convID)
				if err != nil {
					return err
				}
				if jsonFlag {
					outputJSON(resp)
					return nil
				}
				fmt.Printf("Opened %v (%v messages)\n", resp["conversation_id"], resp["messages"])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&convID, "id", "", "conversation id, when it is not derived from the two user ids")
	return cmd
}

func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <conversation-id>",
		Short: "Unmount a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, c *api.Client) error {
				return c.CloseConversation(ctx, args[0])
			})
		},
	}
}

func listCmd() *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "list <peer>",
		Short: "Print the timeline of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, c *api.Client) error {
				id, err := conversationID(ctx, c, args[0])
				if err != nil {
					return err
				}
				resp, err := c.ListMessages(ctx, id, query)
				if err != nil {
					return err
				}
				if jsonFlag {
					outputJSON(resp)
					return nil
				}
				msgs, _ := resp["messages"].([]any)
				if len(msgs) == 0 {
					fmt.Println("No messages.")
				}
				for _, v := range msgs {
					m, _ := v.(map[string]any)
					printMessage(m)
				}
				if p, ok := resp["presence"].(map[string]any); ok && p["remote_typing"] == true {
					fmt.Println("... typing")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "only messages whose text contains query")
	return cmd
}

func printMessage(m map[string]any) {
	ms, _ := m["created_at"].(float64)
	who := "them"
	if m["mine"] == true {
		who = "me"
	}
	body := m["body"]
	if media, ok := m["media"].(map[string]any); ok && media["local_uri"] != "" {
		body = fmt.Sprintf("%v [%v]", body, media["local_uri"])
	}
	fmt.Printf("%s %-4s %-9v %v  (%v)\n",
		time.UnixMilli(int64(ms)).Format("2006-01-02 15:04"), who, m["status"], body, m["id"])
}

func printIngest(resp map[string]any) {
	if jsonFlag {
		outputJSON(resp)
		return
	}
	cursor, _ := resp["cursor"].(map[string]any)
	fmt.Printf("added=%v merged=%v dropped=%v page=%v has_more=%v\n",
		resp["added"], resp["merged"], resp["dropped"], cursor["page"], cursor["has_more"])
}

func moreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "more <peer>",
		Short: "Fetch the next older page of history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, c *api.Client) error {
				id, err := conversationID(ctx, c, args[0])
				if err != nil {
					return err
				}
				resp, err := c.LoadMore(ctx, id)
				if err != nil {
					return err
				}
				printIngest(resp)
				return nil
			})
		},
	}
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <peer>",
		Short: "Refetch the newest page of history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, c *api.Client) error {
				id, err := conversationID(ctx, c, args[0])
				if err != nil {
					return err
				}
				resp, err := c.Refresh(ctx, id)
				if err != nil {
					return err
				}
				printIngest(resp)
				return nil
			})
		},
	}
}

// printSent reports a send. A send that failed after the message was created
// is printed with its error and exits non-zero.
func printSent(resp map[string]any) error {
	if jsonFlag {
		outputJSON(resp)
	} else if m, ok := resp["message"].(map[string]any); ok {
		printMessage(m)
	}
	if e, ok := resp["error"].(string); ok && e != "" {
		return fmt.Errorf("%s", e)
	}
	return nil
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <peer> <text>",
		Short: "Send a text message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, c *api.Client) error {
				id, err := conversationID(ctx, c, args[0])
				if err != nil {
					return err
				}
				resp, err := c.SendText(ctx, id, args[1])
				if err != nil {
					return err
				}
				return printSent(resp)
			})
		},
	}
}

func sendMediaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send-media <peer> <path>",
		Short: "Send a file as an image, video or document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, c *api.Client) error {
				id, err := conversationID(ctx, c, args[0])
				if err != nil {
					return err
				}
				resp, err := c.SendMedia(ctx, id, args[1])
				if err != nil {
					return err
				}
				return printSent(resp)
			})
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <peer> <message-id>",
		Short: "Resend a failed message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, c *api.Client) error {
				id, err := conversationID(ctx, c, args[0])
				if err != nil {
					return err
				}
				resp, err := c.Retry(ctx, id, args[1])
				if err != nil {
					return err
				}
				return printSent(resp)
			})
		},
	}
}

func deleteCmd() *cobra.Command {
	var everyone bool
	cmd := &cobra.Command{
		Use:   "delete <peer> <message-id>...",
		Short: "Delete messages for me, or for everyone",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, c *api.Client) error {
				id, err := conversationID(ctx, c, args[0])
				if err != nil {
					return err
				}
				resp, err := c.Delete(ctx, id, args[1:], everyone)
				if err != nil {
					return err
				}
				if jsonFlag {
					outputJSON(resp)
					return nil
				}
				fmt.Printf("Deleted %v message(s)\n", resp["deleted"])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&everyone, "everyone", false, "also remove your own messages for the peer")
	return cmd
}

func downloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download <peer> <message-id>",
		Short: "Download the media of a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, c *api.Client) error {
				id, err := conversationID(ctx, c, args[0])
				if err != nil {
					return err
				}
				path, err := c.Download(ctx, id, args[1])
				if err != nil {
					return err
				}
				if jsonFlag {
					outputJSON(map[string]string{"path": path})
					return nil
				}
				fmt.Println(path)
				return nil
			})
		},
	}
}

func typingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "typing <peer> [draft]",
		Short: "Report the composer's text; an empty draft ends typing",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, c *api.Client) error {
				id, err := conversationID(ctx, c, args[0])
				if err != nil {
					return err
				}
				var text string
				if len(args) == 2 {
					text = args[1]
				}
				resp, err := c.InputChanged(ctx, id, text)
				if err != nil {
					return err
				}
				if jsonFlag {
					outputJSON(resp)
					return nil
				}
				p, _ := resp["presence"].(map[string]any)
				fmt.Printf("typing=%v peer=%v\n", p["local_typing"], p["peer_status"])
				return nil
			})
		},
	}
}
