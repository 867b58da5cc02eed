// Package client is a thin client for the streakd Conversations service.
package client

import (
	"context"
	"fmt"

	"github.com/matheus3301/streakchat/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps a gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewFromConn wraps an existing connection.
func NewFromConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a unary method. req is encoded as a Struct and the response
// decoded into resp when resp is non-nil.
func (c *Client) Call(ctx context.Context, method string, req, resp any) error {
	in, err := api.Encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return api.Decode(out, resp)
}

// Response shapes.

type OpenResponse struct {
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
}

type MessageResponse struct {
	Message api.MessageView `json:"message"`
}

type MessagesResponse struct {
	Messages []api.MessageView `json:"messages"`
}

type ConversationsResponse struct {
	Conversations []api.SummaryView `json:"conversations"`
	Open          []string          `json:"open"`
}

type FailedResponse struct {
	Failed []api.FailedView `json:"failed"`
}

type TypistsResponse struct {
	Typists []api.TypistView `json:"typists"`
}

type PresenceResponse struct {
	Presence []api.PresenceView `json:"presence"`
}

type StatusResponse struct {
	Profile  string            `json:"profile"`
	UserID   string            `json:"user_id"`
	Status   string            `json:"status"`
	UptimeMs int64             `json:"uptime_ms"`
	Channels []api.ChannelView `json:"channels"`
}

type BackfillResponse struct {
	Inserted  int `json:"inserted"`
	Malformed int `json:"malformed"`
}

func (c *Client) Open(ctx context.Context, conversationID string) (OpenResponse, error) {
	var resp OpenResponse
	err := c.Call(ctx, api.MethodOpenConversation, api.ConversationRequest{ConversationID: conversationID}, &resp)
	return resp, err
}

func (c *Client) CloseConversation(ctx context.Context, conversationID string) error {
	return c.Call(ctx, api.MethodCloseConversation, api.ConversationRequest{ConversationID: conversationID}, nil)
}

func (c *Client) Conversations(ctx context.Context) (ConversationsResponse, error) {
	var resp ConversationsResponse
	err := c.Call(ctx, api.MethodListConversations, struct{}{}, &resp)
	return resp, err
}

func (c *Client) SendText(ctx context.Context, conversationID, text string) (api.MessageView, error) {
	var resp MessageResponse
	err := c.Call(ctx, api.MethodSendText, api.SendTextRequest{ConversationID: conversationID, Text: text}, &resp)
	return resp.Message, err
}

func (c *Client) SendCard(ctx context.Context, req api.SendCardRequest) (api.MessageView, error) {
	var resp MessageResponse
	err := c.Call(ctx, api.MethodSendCard, req, &resp)
	return resp.Message, err
}

func (c *Client) Retry(ctx context.Context, localID string) (api.MessageView, error) {
	var resp MessageResponse
	err := c.Call(ctx, api.MethodRetry, api.LocalIDRequest{LocalID: localID}, &resp)
	return resp.Message, err
}

func (c *Client) Discard(ctx context.Context, localID string) error {
	return c.Call(ctx, api.MethodDiscard, api.LocalIDRequest{LocalID: localID}, nil)
}

func (c *Client) Messages(ctx context.Context, conversationID string) ([]api.MessageView, error) {
	var resp MessagesResponse
	err := c.Call(ctx, api.MethodListMessages, api.ConversationRequest{ConversationID: conversationID}, &resp)
	return resp.Messages, err
}

func (c *Client) Failed(ctx context.Context, conversationID string) ([]api.FailedView, error) {
	var resp FailedResponse
	err := c.Call(ctx, api.MethodListFailed, api.ConversationRequest{ConversationID: conversationID}, &resp)
	return resp.Failed, err
}

func (c *Client) React(ctx context.Context, conversationID, messageID, emoji string, add bool) (api.MessageView, error) {
	method := api.MethodAddReaction
	if !add {
		method = api.MethodRemoveReaction
	}
	var resp MessageResponse
	err := c.Call(ctx, method, api.ReactionRequest{ConversationID: conversationID, MessageID: messageID, Emoji: emoji}, &resp)
	return resp.Message, err
}

func (c *Client) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	return c.Call(ctx, api.MethodSetTyping, api.TypingRequest{ConversationID: conversationID, IsTyping: isTyping}, nil)
}

func (c *Client) Typists(ctx context.Context, conversationID string) ([]api.TypistView, error) {
	var resp TypistsResponse
	err := c.Call(ctx, api.MethodListTypists, api.ConversationRequest{ConversationID: conversationID}, &resp)
	return resp.Typists, err
}

func (c *Client) Presence(ctx context.Context, conversationID string) ([]api.PresenceView, error) {
	var resp PresenceResponse
	err := c.Call(ctx, api.MethodListPresence, api.ConversationRequest{ConversationID: conversationID}, &resp)
	return resp.Presence, err
}

func (c *Client) Status(ctx context.Context, conversationID string) (StatusResponse, error) {
	var resp StatusResponse
	err := c.Call(ctx, api.MethodConnectionStatus, api.ConversationRequest{ConversationID: conversationID}, &resp)
	return resp, err
}

func (c *Client) Backfill(ctx context.Context, rows [][]byte) (BackfillResponse, error) {
	req := api.BackfillRequest{}
	for _, r := range rows {
		req.Rows = append(req.Rows, r)
	}
	var resp BackfillResponse
	err := c.Call(ctx, api.MethodBackfill, req, &resp)
	return resp, err
}

// BackfillFromTransport asks the daemon to load a conversation's stored
// history from its transport.
func (c *Client) BackfillFromTransport(ctx context.Context, conversationID string) (BackfillResponse, error) {
	var resp BackfillResponse
	err := c.Call(ctx, api.MethodBackfill, api.BackfillRequest{ConversationID: conversationID}, &resp)
	return resp, err
}

func (c *Client) Logout(ctx context.Context) error {
	return c.Call(ctx, api.MethodLogout, struct{}{}, nil)
}

// EventStream receives events from WatchEvents.
type EventStream struct {
	stream grpc.ClientStream
}

// Watch opens an event stream. Empty fields in req match everything.
func (c *Client) Watch(ctx context.Context, req api.WatchRequest) (*EventStream, error) {
	desc := &grpc.StreamDesc{StreamName: api.MethodWatchEvents, ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, api.FullMethod(api.MethodWatchEvents))
	if err != nil {
		return nil, err
	}
	in, err := api.Encode(req)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}

// Recv blocks for the next event.
func (s *EventStream) Recv() (api.EventView, error) {
	out := new(structpb.Struct)
	if err := s.stream.RecvMsg(out); err != nil {
		return api.EventView{}, err
	}
	var evt api.EventView
	err := api.Decode(out, &evt)
	return evt, err
}
