package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/conversation"
)

var (
	refreshFlag  bool
	typeFlag     string
	attachFlags  []string
	vendorFlag   string
	customerFlag string
	stopFlag     bool
)

func parseConversationID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid conversation id %q", s)
	}
	return id, nil
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"convs"},
	Short:   "List conversations, most recent first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.ListConversations(ctx, refreshFlag)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			w := newTable(os.Stdout)
			fmt.Fprintln(w, "ID\tVENDOR\tCUSTOMER\tUNREAD\tLAST ACTIVITY\tPREVIEW")
			for _, conv := range resp.Conversations {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n", conv.ID, conv.VendorID, conv.CustomerID,
					conv.UnreadCount, shortTime(conv.LastActivity), truncate(conv.LastMessagePreview, 40))
			}
			return w.Flush()
		})
	},
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Open (or fetch) the conversation between a vendor and a customer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.CreateConversation(ctx, vendorFlag, customerFlag)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			fmt.Printf("Conversation %d\n", resp.Conversation.ID)
			return nil
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseConversationID(args[0])
		if err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.GetMessages(ctx, id, refreshFlag)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			w := newTable(os.Stdout)
			for _, m := range resp.Messages {
				key := strconv.FormatInt(m.ID, 10)
				if !m.Durable() {
					key = m.TempID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", shortTime(m.CreatedAt), m.SenderID, m.Status, key, m.Content)
			}
			return w.Flush()
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text...>",
	Short: "Send a message; it is tracked until the server echoes it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseConversationID(args[0])
		if err != nil {
			return err
		}
		req := &api.SendMessageRequest{
			ConversationID: id,
			Content:        strings.Join(args[1:], " "),
			Type:           conversation.MessageType(typeFlag),
		}
		for _, u := range attachFlags {
			req.Attachments = append(req.Attachments, conversation.Attachment{URL: u})
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.SendMessage(ctx, req)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			fmt.Printf("%s %s\n", resp.Message.TempID, resp.Message.Status)
			return nil
		})
	},
}

func ackCmd(use, short string, call func(ctx context.Context, c *api.Client, arg string) (*api.Ack, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				ack, err := call(ctx, c, args[0])
				if err != nil {
					return err
				}
				if jsonFlag {
					return outputJSON(ack)
				}
				if ack.Message != "" {
					fmt.Println(ack.Message)
				}
				return nil
			})
		},
	}
}

var retryCmd = ackCmd("retry <temp-id>", "Re-send a failed message",
	func(ctx context.Context, c *api.Client, tempID string) (*api.Ack, error) {
		return c.RetryMessage(ctx, tempID)
	})

var discardCmd = ackCmd("discard <temp-id>", "Drop a pending or failed message",
	func(ctx context.Context, c *api.Client, tempID string) (*api.Ack, error) {
		return c.DiscardMessage(ctx, tempID)
	})

var readCmd = ackCmd("read <conversation-id>", "Mark a conversation read",
	func(ctx context.Context, c *api.Client, arg string) (*api.Ack, error) {
		id, err := parseConversationID(arg)
		if err != nil {
			return nil, err
		}
		return c.MarkConversationRead(ctx, id)
	})

var joinCmd = ackCmd("join <conversation-id>", "Subscribe to a conversation's realtime events",
	func(ctx context.Context, c *api.Client, arg string) (*api.Ack, error) {
		id, err := parseConversationID(arg)
		if err != nil {
			return nil, err
		}
		return c.Join(ctx, id)
	})

var typingCmd = &cobra.Command{
	Use:   "typing <conversation-id>",
	Short: "Show who is typing, or set your own typing flag with --set/--stop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseConversationID(args[0])
		if err != nil {
			return err
		}
		set, _ := cmd.Flags().GetBool("set")
		return withClient(func(ctx context.Context, c *api.Client) error {
			if set || stopFlag {
				_, err := c.SetTyping(ctx, id, set && !stopFlag)
				return err
			}
			resp, err := c.GetTyping(ctx, id)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			if len(resp.Usernames) == 0 {
				fmt.Println("nobody is typing")
				return nil
			}
			fmt.Printf("%s typing\n", strings.Join(resp.Usernames, ", "))
			return nil
		})
	},
}

func init() {
	conversationsCmd.Flags().BoolVar(&refreshFlag, "refresh", false, "reload from the server first")
	messagesCmd.Flags().BoolVar(&refreshFlag, "refresh", false, "reload history from the server first")

	createCmd.Flags().StringVar(&vendorFlag, "vendor", "", "vendor id")
	createCmd.Flags().StringVar(&customerFlag, "customer", "", "customer id")
	_ = createCmd.MarkFlagRequired("vendor")
	_ = createCmd.MarkFlagRequired("customer")
	conversationsCmd.AddCommand(createCmd)

	sendCmd.Flags().StringVar(&typeFlag, "type", "", "message type (default text)")
	sendCmd.Flags().StringArrayVar(&attachFlags, "attach", nil, "attachment URL (repeatable)")

	typingCmd.Flags().Bool("set", false, "mark yourself as typing")
	typingCmd.Flags().BoolVar(&stopFlag, "stop", false, "clear your typing flag")

	rootCmd.AddCommand(conversationsCmd, messagesCmd, sendCmd, retryCmd, discardCmd, readCmd, joinCmd, typingCmd)
}
