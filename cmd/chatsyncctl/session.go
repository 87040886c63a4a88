package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/profile"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and connection status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		err := withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			source := resp.CredentialSource
			if source == "" {
				source = "none"
			}
			fmt.Printf("Profile:       %s\n", resp.Profile)
			fmt.Printf("State:         %s\n", resp.State)
			fmt.Printf("Identity:      %s\n", resp.Identity)
			fmt.Printf("Credential:    %s\n", source)
			fmt.Printf("Uptime:        %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
			fmt.Printf("Conversations: %d (%d unread messages)\n", resp.Conversations, resp.UnreadMessages)
			fmt.Printf("Notifications: %d unread\n", resp.NotificationsUnread)
			if len(resp.Pending) > 0 {
				fmt.Printf("Pending sends: %d\n", len(resp.Pending))
				w := newTable(os.Stdout)
				for _, p := range resp.Pending {
					fmt.Fprintf(w, "  %s\t%d\t%s\tretries=%d\t%s\n", p.TempID, p.ConversationID, p.Status, p.RetryCount, truncate(p.Content, 40))
				}
				_ = w.Flush()
			}
			return nil
		})
		if err == nil {
			return nil
		}

		// The socket did not answer; the lock tells a dead daemon from a
		// wedged one.
		h, probeErr := lock.Probe(profile.Dir(activeProfile()))
		if probeErr == nil && h.Held {
			return fmt.Errorf("daemon PID %d holds profile %q since %s but is not answering: %w",
				h.PID, activeProfile(), shortTime(h.Since), err)
		}
		return fmt.Errorf("daemon for profile %q is not running (start chatsyncd --profile %s): %w",
			activeProfile(), activeProfile(), err)
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Open the realtime connection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			ack, err := c.Connect(ctx)
			if err != nil {
				return err
			}
			fmt.Println(ack.Message)
			return nil
		})
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Close the realtime connection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			ack, err := c.Disconnect(ctx)
			if err != nil {
				return err
			}
			fmt.Println(ack.Message)
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [namespace]",
	Short: "Stream daemon events, optionally filtered by kind prefix (e.g. message.)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		namespace := ""
		if len(args) == 1 {
			namespace = args[0]
		}

		c, err := api.Dial(profile.SocketPath(activeProfile()))
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err = c.WatchEvents(ctx, namespace, func(env *structpb.Struct) error {
			if jsonFlag {
				raw, err := protojson.Marshal(env)
				if err != nil {
					return err
				}
				fmt.Println(string(raw))
				return nil
			}
			f := env.GetFields()
			payload, _ := protojson.Marshal(f["payload"].GetStructValue())
			fmt.Printf("%s  %-32s %s\n", f["occurredAt"].GetStringValue(), f["kind"].GetStringValue(), payload)
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, connectCmd, disconnectCmd, watchCmd)
}
