// Package msgsync reconciles server-confirmed message rows with the local
// message lists. Ingestion is idempotent and status updates never move a
// message backwards.
package msgsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/streakchat/internal/channel"
	"github.com/matheus3301/streakchat/internal/chat"
	"github.com/matheus3301/streakchat/internal/convo"
	"github.com/matheus3301/streakchat/internal/metrics"
	"github.com/matheus3301/streakchat/internal/transport"
	"go.uber.org/zap"
)

// Bridge feeds row events from message channels into the conversation store.
type Bridge struct {
	registry *channel.Registry
	store    *convo.Store
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewBridge creates a new bridge.
func NewBridge(reg *channel.Registry, s *convo.Store, m *metrics.Metrics, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		registry: reg,
		store:    s,
		metrics:  m,
		logger:   logger.Named("msgsync"),
	}
}

// Attach subscribes to the conversation's message channel.
func (b *Bridge) Attach(ctx context.Context, conversationID string) (channel.Handle, error) {
	return b.registry.Subscribe(ctx, conversationID, transport.KindMessages, channel.Handlers{
		OnInsert: func(row []byte) {
			if _, err := b.OnInsert(row); err != nil {
				b.logger.Error("failed to ingest row", zap.String("conversation", conversationID), zap.Error(err))
			}
		},
		OnUpdate: func(row []byte) {
			if _, err := b.OnStatusUpdate(row); err != nil {
				b.logger.Error("failed to apply row update", zap.String("conversation", conversationID), zap.Error(err))
			}
		},
		OnStatus: func(_ channel.Handle, state transport.State, _ error) {
			if state == transport.StateErrored {
				b.metrics.ChannelErrored(string(transport.KindMessages))
			}
		},
	})
}

// OnInsert ingests a row-insert payload. It reports whether a new message
// was appended; a row whose id is already present is a silent no-op.
func (b *Bridge) OnInsert(data []byte) (bool, error) {
	row, err := chat.DecodeRow(data)
	if err != nil {
		b.metrics.DecodeError("row")
		return false, err
	}
	return b.Ingest(row), nil
}

// Ingest appends the row's message unless its id is already known.
func (b *Bridge) Ingest(row chat.WireRow) bool {
	m := row.Message()
	if !b.store.Insert(m) {
		b.metrics.DuplicateInsert()
		b.logger.Debug("duplicate insert dropped", zap.String("conversation", m.ConversationID), zap.String("msg_id", m.ID))
		return false
	}
	return true
}

// IngestBatch ingests a catch-up batch and returns how many rows were new.
func (b *Bridge) IngestBatch(rows []chat.WireRow) int {
	added := 0
	for _, row := range rows {
		if b.Ingest(row) {
			added++
		}
	}
	b.logger.Info("batch ingested", zap.Int("rows", len(rows)), zap.Int("added", added))
	return added
}

// OnStatusUpdate applies a row-update payload. It reports whether the
// message's status advanced.
func (b *Bridge) OnStatusUpdate(data []byte) (bool, error) {
	row, err := chat.DecodeRow(data)
	if err != nil {
		b.metrics.DecodeError("row")
		return false, err
	}
	return b.ApplyUpdate(row)
}

// ApplyUpdate maps read_at to read and delivered_at to delivered. A row
// carrying neither timestamp leaves the status alone; a status that would
// lower the message's rank is dropped.
func (b *Bridge) ApplyUpdate(row chat.WireRow) (bool, error) {
	if row.IsDeleted {
		if _, err := b.store.MarkDeleted(row.ConversationID, row.ID); err != nil && !errors.Is(err, convo.ErrNoMessage) {
			return false, fmt.Errorf("mark deleted: %w", err)
		}
	}

	to, ok := row.TimestampStatus()
	if !ok {
		return false, nil
	}
	from, applied, err := b.store.Advance(row.ConversationID, row.ID, to)
	if errors.Is(err, convo.ErrNoMessage) {
		b.metrics.StaleUpdate("unknown")
		b.logger.Debug("update for unknown message dropped", zap.String("conversation", row.ConversationID), zap.String("msg_id", row.ID))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("advance status: %w", err)
	}
	if !applied {
		b.metrics.StaleUpdate("regression")
		b.logger.Debug("stale status dropped",
			zap.String("msg_id", row.ID),
			zap.String("current", string(from)),
			zap.String("update", string(to)),
		)
		return false, nil
	}
	return true, nil
}
