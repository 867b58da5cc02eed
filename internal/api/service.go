// Package api exposes an app session's conversation core over gRPC.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/streakchat/internal/bus"
	"github.com/matheus3301/streakchat/internal/channel"
	"github.com/matheus3301/streakchat/internal/chat"
	"github.com/matheus3301/streakchat/internal/convo"
	"github.com/matheus3301/streakchat/internal/msgsync"
	"github.com/matheus3301/streakchat/internal/outbox"
	"github.com/matheus3301/streakchat/internal/presence"
	"github.com/matheus3301/streakchat/internal/session"
	"github.com/matheus3301/streakchat/internal/transport"
	"github.com/matheus3301/streakchat/internal/typing"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Deps are the components the service fronts.
type Deps struct {
	Session  *session.Session
	Store    *convo.Store
	Pipeline *outbox.Pipeline
	Typing   *typing.Coordinator
	Presence *presence.Tracker
	Bridge   *msgsync.Bridge
	Registry *channel.Registry
	Bus      *bus.Bus
	// History serves transport-side backfill. Optional.
	History transport.History
}

// ErrNoHistory is returned when a backfill asks for transport history the
// daemon cannot read.
var ErrNoHistory = errors.New("api: transport keeps no history")

// Service implements the Conversations gRPC service.
type Service struct {
	Deps

	profile string
	started time.Time
	logger  *zap.Logger
}

var _ ConversationsServer = (*Service)(nil)

// NewService creates the service for one profile.
func NewService(d Deps, profile string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{Deps: d, profile: profile, started: time.Now(), logger: logger.Named("api")}
}

func (s *Service) OpenConversation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in ConversationRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	status, err := s.Session.Open(ctx, in.ConversationID)
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(map[string]any{"conversation_id": in.ConversationID, "status": string(status)})
}

func (s *Service) CloseConversation(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in ConversationRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	if err := s.Session.Close(in.ConversationID); err != nil {
		return nil, toStatus(err)
	}
	return respond(map[string]any{})
}

func (s *Service) ListConversations(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	var summaries []SummaryView
	for _, sum := range s.Store.Conversations() {
		summaries = append(summaries, summaryView(sum))
	}
	return respond(map[string]any{"conversations": summaries, "open": s.Session.Conversations()})
}

func (s *Service) SendText(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in SendTextRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	return s.send(ctx, in.ConversationID, chat.Payload{Text: in.Text})
}

func (s *Service) SendCard(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in SendCardRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	payload := chat.Payload{Habit: in.HabitCard, Badge: in.BadgeCard, Nudge: in.NudgeCard}
	if payload.Type() == chat.TypeText {
		return nil, grpcstatus.Error(codes.InvalidArgument, "send card: no card given")
	}
	return s.send(ctx, in.ConversationID, payload)
}

func (s *Service) send(ctx context.Context, conversationID string, payload chat.Payload) (*structpb.Struct, error) {
	if conversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	if err := payload.Validate(); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	m, err := s.Pipeline.Send(ctx, conversationID, payload)
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(map[string]any{"message": messageView(m)})
}

func (s *Service) Retry(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in LocalIDRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	m, err := s.Pipeline.Retry(ctx, in.LocalID)
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(map[string]any{"message": messageView(m)})
}

func (s *Service) Discard(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in LocalIDRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	if err := s.Pipeline.Discard(in.LocalID); err != nil {
		return nil, toStatus(err)
	}
	return respond(map[string]any{})
}

func (s *Service) ListMessages(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in ConversationRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	msgs := s.Store.Messages(in.ConversationID)
	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, messageView(m))
	}
	return respond(map[string]any{"messages": views})
}

func (s *Service) ListFailed(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in ConversationRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	failed := s.Pipeline.Failed(in.ConversationID)
	views := make([]FailedView, 0, len(failed))
	for _, f := range failed {
		views = append(views, failedView(f))
	}
	return respond(map[string]any{"failed": views})
}

func (s *Service) AddReaction(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in ReactionRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	m, err := s.Pipeline.AddReaction(in.ConversationID, in.MessageID, in.Emoji)
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(map[string]any{"message": messageView(m)})
}

func (s *Service) RemoveReaction(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in ReactionRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	m, err := s.Pipeline.RemoveReaction(in.ConversationID, in.MessageID, in.Emoji)
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(map[string]any{"message": messageView(m)})
}

func (s *Service) SetTyping(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in TypingRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	if !s.Session.IsOpen(in.ConversationID) {
		return nil, toStatus(session.ErrNotOpen)
	}
	if err := s.Typing.SendTyping(ctx, in.ConversationID, in.IsTyping); err != nil {
		return nil, toStatus(err)
	}
	return respond(map[string]any{})
}

func (s *Service) ListTypists(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in ConversationRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	return respond(map[string]any{"typists": typistViews(s.Typing.Typists(in.ConversationID))})
}

func (s *Service) ListPresence(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in ConversationRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	return respond(map[string]any{"presence": presenceViews(s.Presence.Records(in.ConversationID))})
}

func (s *Service) ConnectionStatus(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in ConversationRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	status := s.Registry.ConnectionStatus()
	if in.ConversationID != "" {
		status = s.Registry.ConnectionStatusFor(in.ConversationID)
	}
	var channels []ChannelView
	for _, info := range s.Registry.Channels() {
		if in.ConversationID != "" && info.Handle.Key.ConversationID != in.ConversationID {
			continue
		}
		channels = append(channels, ChannelView{Topic: info.Handle.Key.Topic(), State: string(info.State)})
	}
	return respond(map[string]any{
		"profile":   s.profile,
		"user_id":   s.Session.Self().UserID,
		"status":    string(status),
		"uptime_ms": time.Since(s.started).Milliseconds(),
		"channels":  channels,
	})
}

// Backfill ingests rows fetched out of band (history loads), plus the
// transport's stored log when a conversation is named. Malformed rows are
// skipped and counted.
func (s *Service) Backfill(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in BackfillRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	raws := make([][]byte, 0, len(in.Rows))
	for _, raw := range in.Rows {
		raws = append(raws, raw)
	}
	if in.ConversationID != "" {
		if s.History == nil {
			return nil, toStatus(ErrNoHistory)
		}
		stored, err := s.History.Rows(ctx, in.ConversationID)
		if err != nil {
			return nil, toStatus(err)
		}
		s.logger.Debug("history read", zap.String("conversation", in.ConversationID), zap.Int("rows", len(stored)))
		raws = append(raws, stored...)
	}
	var (
		rows      []chat.WireRow
		malformed int
	)
	for _, raw := range raws {
		row, err := chat.DecodeRow(raw)
		if err != nil {
			malformed++
			continue
		}
		rows = append(rows, row)
	}
	inserted := s.Bridge.IngestBatch(rows)
	return respond(map[string]any{"inserted": inserted, "malformed": malformed})
}

func (s *Service) Logout(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.Session.Logout()
	return respond(map[string]any{})
}

// WatchEvents streams bus events, optionally filtered by conversation and
// kind namespace, until the client goes away.
func (s *Service) WatchEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	var in WatchRequest
	if err := decodeRequest(req, &in); err != nil {
		return err
	}
	var (
		ch    <-chan bus.Event
		unsub func()
	)
	if in.ConversationID != "" {
		ch, unsub = s.Bus.SubscribeConversation(in.ConversationID, in.Namespace, 256)
	} else {
		ch, unsub = s.Bus.Subscribe(in.Namespace, 256)
	}
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out, err := Encode(EventView{
				EventID:          uuid.NewString(),
				Profile:          s.profile,
				Kind:             evt.Kind,
				ConversationID:   evt.ConversationID,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				Payload:          eventPayload(evt.Payload),
			})
			if err != nil {
				s.logger.Warn("failed to encode event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func decodeRequest(req *structpb.Struct, v any) error {
	if err := Decode(req, v); err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	}
	return nil
}

func respond(v any) (*structpb.Struct, error) {
	out, err := Encode(v)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "%v", err)
	}
	return out, nil
}

// toStatus maps domain errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrNotOpen), errors.Is(err, channel.ErrNoChannel), errors.Is(err, ErrNoHistory):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, outbox.ErrUnknownFailed), errors.Is(err, convo.ErrNoMessage):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, chat.ErrEmptyPayload), errors.Is(err, session.ErrEmptyConversation):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, outbox.ErrStopped):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.FromContextError(err).Err()
	default:
		return grpcstatus.Error(codes.Internal, err.Error())
	}
}
