package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a typed wrapper around a connection to the daemon socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient("unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c, "Status", &Empty{})
}

func (c *Client) Connect(ctx context.Context) (*Ack, error) {
	return invoke[Ack](ctx, c, "Connect", &Empty{})
}

func (c *Client) Disconnect(ctx context.Context) (*Ack, error) {
	return invoke[Ack](ctx, c, "Disconnect", &Empty{})
}

func (c *Client) ListConversations(ctx context.Context, refresh bool) (*ListConversationsResponse, error) {
	return invoke[ListConversationsResponse](ctx, c, "ListConversations", &ListConversationsRequest{Refresh: refresh})
}

func (c *Client) CreateConversation(ctx context.Context, vendorID, customerID string) (*ConversationResponse, error) {
	return invoke[ConversationResponse](ctx, c, "CreateConversation", &CreateConversationRequest{VendorID: vendorID, CustomerID: customerID})
}

func (c *Client) GetMessages(ctx context.Context, conversationID int64, refresh bool) (*MessagesResponse, error) {
	return invoke[MessagesResponse](ctx, c, "GetMessages", &GetMessagesRequest{ConversationID: conversationID, Refresh: refresh})
}

func (c *Client) SendMessage(ctx context.Context, req *SendMessageRequest) (*MessageResponse, error) {
	return invoke[MessageResponse](ctx, c, "SendMessage", req)
}

func (c *Client) RetryMessage(ctx context.Context, tempID string) (*Ack, error) {
	return invoke[Ack](ctx, c, "RetryMessage", &TempIDRequest{TempID: tempID})
}

func (c *Client) DiscardMessage(ctx context.Context, tempID string) (*Ack, error) {
	return invoke[Ack](ctx, c, "DiscardMessage", &TempIDRequest{TempID: tempID})
}

func (c *Client) MarkConversationRead(ctx context.Context, conversationID int64) (*Ack, error) {
	return invoke[Ack](ctx, c, "MarkConversationRead", &ConversationRequest{ConversationID: conversationID})
}

func (c *Client) Join(ctx context.Context, conversationID int64) (*Ack, error) {
	return invoke[Ack](ctx, c, "Join", &ConversationRequest{ConversationID: conversationID})
}

func (c *Client) SetTyping(ctx context.Context, conversationID int64, isTyping bool) (*Ack, error) {
	return invoke[Ack](ctx, c, "SetTyping", &SetTypingRequest{ConversationID: conversationID, IsTyping: isTyping})
}

func (c *Client) GetTyping(ctx context.Context, conversationID int64) (*TypingResponse, error) {
	return invoke[TypingResponse](ctx, c, "GetTyping", &ConversationRequest{ConversationID: conversationID})
}

func (c *Client) ListNotifications(ctx context.Context, refresh bool) (*NotificationsResponse, error) {
	return invoke[NotificationsResponse](ctx, c, "ListNotifications", &RefreshRequest{Refresh: refresh})
}

func (c *Client) GetUnreadCount(ctx context.Context, refresh bool) (*UnreadCountResponse, error) {
	return invoke[UnreadCountResponse](ctx, c, "GetUnreadCount", &RefreshRequest{Refresh: refresh})
}

func (c *Client) MarkNotificationsRead(ctx context.Context, ids []string) (*UnreadCountResponse, error) {
	return invoke[UnreadCountResponse](ctx, c, "MarkNotificationsRead", &MarkNotificationsReadRequest{IDs: ids})
}

func (c *Client) MarkAllNotificationsRead(ctx context.Context) (*UnreadCountResponse, error) {
	return invoke[UnreadCountResponse](ctx, c, "MarkAllNotificationsRead", &Empty{})
}

func (c *Client) GetPreferences(ctx context.Context, refresh bool) (*PreferencesResponse, error) {
	return invoke[PreferencesResponse](ctx, c, "GetPreferences", &RefreshRequest{Refresh: refresh})
}

func (c *Client) UpdatePreferences(ctx context.Context, req *UpdatePreferencesRequest) (*PreferencesResponse, error) {
	return invoke[PreferencesResponse](ctx, c, "UpdatePreferences", req)
}

// WatchEvents calls fn for every event envelope until ctx ends, the stream
// closes, or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, namespace string, fn func(*structpb.Struct) error) error {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], "/"+ServiceName+"/WatchEvents")
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&WatchRequest{Namespace: namespace}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		env := new(structpb.Struct)
		if err := stream.RecvMsg(env); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(env); err != nil {
			return err
		}
	}
}
