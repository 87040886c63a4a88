// Package api exposes the engine to local clients over gRPC. Messages are
// plain Go structs carried by a JSON codec; the service descriptor is
// declared by hand in desc.go.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/connection"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/credential"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/status"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/typing"
)

// Connector opens and closes the realtime connection on request.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect()
}

// Realtime is the outbound side of the connection used directly by RPCs.
type Realtime interface {
	IsConnected() bool
	SetTyping(conversationID int64, isTyping bool) error
}

// Deps groups the components served by the API.
type Deps struct {
	Profile   string
	Machine   *status.Machine
	Connector Connector
	Realtime  Realtime
	Creds     *credential.Resolver
	Engine    *intsync.Engine
	Store     *conversation.Store
	Tracker   *outbox.Tracker
	Typing    *typing.Tracker
	Notify    *notify.Reconciler
	Bus       *bus.Bus
}

// Service implements chatsync.v1.Engine.
type Service struct {
	d         Deps
	startedAt time.Time
}

// NewService creates the service.
func NewService(d Deps) *Service {
	return &Service{d: d, startedAt: time.Now()}
}

func (s *Service) Status(_ context.Context, _ *Empty) (*StatusResponse, error) {
	state := s.d.Machine.Current()
	resp := &StatusResponse{
		Profile:             s.d.Profile,
		State:               string(state),
		Connected:           state == status.Connected,
		Identity:            s.d.Store.Self(),
		UptimeMs:            time.Since(s.startedAt).Milliseconds(),
		Conversations:       len(s.d.Store.ListConversations()),
		UnreadMessages:      s.d.Store.UnreadTotal(),
		NotificationsUnread: s.d.Notify.UnreadCount(),
		Pending:             s.d.Tracker.Pending(),
	}
	if _, source, err := s.d.Creds.Which(); err == nil {
		resp.CredentialSource = source
	}
	return resp, nil
}

func (s *Service) Connect(ctx context.Context, _ *Empty) (*Ack, error) {
	if err := s.d.Connector.Connect(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &Ack{Message: string(s.d.Machine.Current())}, nil
}

func (s *Service) Disconnect(_ context.Context, _ *Empty) (*Ack, error) {
	s.d.Connector.Disconnect()
	return &Ack{Message: string(s.d.Machine.Current())}, nil
}

func (s *Service) ListConversations(ctx context.Context, req *ListConversationsRequest) (*ListConversationsResponse, error) {
	if req.Refresh {
		if _, err := s.d.Engine.LoadConversations(ctx); err != nil {
			return nil, toStatus(err)
		}
	}
	return &ListConversationsResponse{Conversations: s.d.Store.ListConversations()}, nil
}

func (s *Service) CreateConversation(ctx context.Context, req *CreateConversationRequest) (*ConversationResponse, error) {
	if req.VendorID == "" || req.CustomerID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "vendorId and customerId are required")
	}
	c, err := s.d.Engine.CreateConversation(ctx, req.VendorID, req.CustomerID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ConversationResponse{Conversation: c}, nil
}

func (s *Service) GetMessages(ctx context.Context, req *GetMessagesRequest) (*MessagesResponse, error) {
	if req.Refresh {
		msgs, err := s.d.Engine.LoadMessages(ctx, req.ConversationID)
		if err != nil {
			return nil, toStatus(err)
		}
		return &MessagesResponse{Messages: msgs}, nil
	}
	return &MessagesResponse{Messages: s.d.Store.GetMessages(req.ConversationID)}, nil
}

func (s *Service) SendMessage(_ context.Context, req *SendMessageRequest) (*MessageResponse, error) {
	msg, err := s.d.Tracker.Send(req.ConversationID, req.Content, outbox.SendOptions{
		Type:        req.Type,
		Attachments: req.Attachments,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &MessageResponse{Message: msg}, nil
}

func (s *Service) RetryMessage(_ context.Context, req *TempIDRequest) (*Ack, error) {
	if err := s.d.Tracker.Retry(req.TempID); err != nil {
		return nil, toStatus(err)
	}
	return &Ack{Message: "retrying"}, nil
}

func (s *Service) DiscardMessage(_ context.Context, req *TempIDRequest) (*Ack, error) {
	if err := s.d.Tracker.Discard(req.TempID); err != nil {
		return nil, toStatus(err)
	}
	return &Ack{Message: "discarded"}, nil
}

func (s *Service) MarkConversationRead(_ context.Context, req *ConversationRequest) (*Ack, error) {
	s.d.Store.MarkRead(req.ConversationID)
	return &Ack{}, nil
}

func (s *Service) Join(_ context.Context, req *ConversationRequest) (*Ack, error) {
	if err := s.d.Engine.Join(req.ConversationID); err != nil {
		return nil, toStatus(err)
	}
	if !s.d.Realtime.IsConnected() {
		return &Ack{Message: "deferred until connected"}, nil
	}
	return &Ack{Message: "join sent"}, nil
}

func (s *Service) SetTyping(_ context.Context, req *SetTypingRequest) (*Ack, error) {
	if err := s.d.Realtime.SetTyping(req.ConversationID, req.IsTyping); err != nil {
		return nil, toStatus(err)
	}
	return &Ack{}, nil
}

func (s *Service) GetTyping(_ context.Context, req *ConversationRequest) (*TypingResponse, error) {
	return &TypingResponse{Usernames: s.d.Typing.GetTyping(req.ConversationID)}, nil
}

func (s *Service) ListNotifications(ctx context.Context, req *RefreshRequest) (*NotificationsResponse, error) {
	list := s.d.Notify.Notifications()
	if req.Refresh || list == nil {
		var err error
		if list, err = s.d.Notify.LoadNotifications(ctx); err != nil {
			return nil, toStatus(err)
		}
	}
	notify.SortByEmphasis(list)
	return &NotificationsResponse{Notifications: list, Unread: s.d.Notify.UnreadCount()}, nil
}

func (s *Service) GetUnreadCount(ctx context.Context, req *RefreshRequest) (*UnreadCountResponse, error) {
	if req.Refresh {
		if _, err := s.d.Notify.LoadUnreadCount(ctx); err != nil {
			return nil, toStatus(err)
		}
	}
	return &UnreadCountResponse{Count: s.d.Notify.UnreadCount()}, nil
}

func (s *Service) MarkNotificationsRead(ctx context.Context, req *MarkNotificationsReadRequest) (*UnreadCountResponse, error) {
	if err := s.d.Notify.MarkAsRead(ctx, req.IDs); err != nil {
		return nil, toStatus(err)
	}
	return &UnreadCountResponse{Count: s.d.Notify.UnreadCount()}, nil
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context, _ *Empty) (*UnreadCountResponse, error) {
	if err := s.d.Notify.MarkAllAsRead(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &UnreadCountResponse{Count: s.d.Notify.UnreadCount()}, nil
}

func (s *Service) GetPreferences(ctx context.Context, req *RefreshRequest) (*PreferencesResponse, error) {
	if req.Refresh {
		p, err := s.d.Notify.LoadPreferences(ctx)
		if err != nil {
			return nil, toStatus(err)
		}
		return &PreferencesResponse{Preferences: p}, nil
	}
	return &PreferencesResponse{Preferences: s.d.Notify.Preferences()}, nil
}

func (s *Service) UpdatePreferences(ctx context.Context, req *UpdatePreferencesRequest) (*PreferencesResponse, error) {
	p, err := s.d.Notify.UpdatePreferences(ctx, req.Patch)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PreferencesResponse{Preferences: p}, nil
}

// WatchEvents streams bus events as structpb envelopes until the client
// goes away.
func (s *Service) WatchEvents(req *WatchRequest, stream grpc.ServerStream) error {
	ch, unsub := s.d.Bus.Subscribe(req.Namespace, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			env, err := envelope(s.d.Profile, evt)
			if err != nil {
				continue
			}
			if err := stream.SendMsg(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// envelope wraps evt as {eventId, profile, kind, occurredAt, payload}.
// Payloads that are not JSON objects are wrapped as {"value": ...}.
func envelope(profile string, evt bus.Event) (*structpb.Struct, error) {
	var payload any = map[string]any{}
	if evt.Payload != nil {
		raw, err := json.Marshal(evt.Payload)
		if err != nil {
			return nil, err
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, err
		}
		if obj, ok := decoded.(map[string]any); ok {
			payload = obj
		} else {
			payload = map[string]any{"value": decoded}
		}
	}
	return structpb.NewStruct(map[string]any{
		"eventId":    uuid.NewString(),
		"profile":    profile,
		"kind":       evt.Kind,
		"occurredAt": evt.Timestamp.UTC().Format(time.RFC3339Nano),
		"payload":    payload,
	})
}

// toStatus maps engine errors to gRPC codes.
func toStatus(err error) error {
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, credential.ErrUnauthenticated):
		code = codes.Unauthenticated
	case errors.Is(err, connection.ErrTransportUnavailable):
		code = codes.Unavailable
	case errors.Is(err, outbox.ErrUnknownMessage):
		code = codes.NotFound
	case errors.Is(err, outbox.ErrNotFailed):
		code = codes.FailedPrecondition
	case errors.Is(err, outbox.ErrRetryLimit):
		code = codes.ResourceExhausted
	case errors.Is(err, outbox.ErrEmptyMessage):
		code = codes.InvalidArgument
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return grpcstatus.Error(code, err.Error())
}
