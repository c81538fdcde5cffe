package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"deptgate/internal/domain"
)

// SaveRequest carries one save attempt: the full in-memory history plus the
// watermark the caller last observed. The watermark is explicit input and
// output rather than ambient state so a save is a pure compare-and-append.
type SaveRequest struct {
	ConversationID string
	UserID         string
	ModelConfigID  string
	Messages       []domain.Message
	StoredCount    int
}

type SaveResult struct {
	ConversationID string
	StoredCount    int
	Created        bool
}

// Reconciler decides whether a save creates a conversation, appends the new
// tail, or is a no-op because everything is already durable. Double saves of
// the same state (an auto-save racing a manual save) never duplicate
// messages: the store's compare-and-append rejects the loser and the
// reconciler re-reads the live count before retrying once.
type Reconciler struct {
	store Store
}

func NewReconciler(store Store) *Reconciler {
	return &Reconciler{store: store}
}

// StoredCount reads the durable watermark for an existing conversation.
func (r *Reconciler) StoredCount(ctx context.Context, conversationID string) (int, error) {
	return r.store.MessageCount(ctx, conversationID)
}

func (r *Reconciler) Save(ctx context.Context, req SaveRequest) (*SaveResult, error) {
	if req.ConversationID == "" {
		conv := &domain.Conversation{
			UserID:        req.UserID,
			Title:         titleFrom(req.Messages),
			ModelConfigID: req.ModelConfigID,
		}
		id, err := r.store.CreateWithMessages(ctx, conv, req.Messages)
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		return &SaveResult{ConversationID: id, StoredCount: len(req.Messages), Created: true}, nil
	}

	result, err := r.append(ctx, req.ConversationID, req.Messages, req.StoredCount)
	if err == nil || !errors.Is(err, domain.ErrWatermarkConflict) {
		return result, err
	}

	// Someone else advanced the watermark. Re-read the durable count and
	// retry the append once from there.
	current, err := r.store.MessageCount(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("refetch watermark: %w", err)
	}
	slog.Debug("conversation watermark moved, retrying append",
		"conversation_id", req.ConversationID,
		"expected", req.StoredCount,
		"current", current,
	)
	return r.append(ctx, req.ConversationID, req.Messages, current)
}

func (r *Reconciler) append(ctx context.Context, conversationID string, msgs []domain.Message, storedCount int) (*SaveResult, error) {
	if len(msgs) <= storedCount {
		// Nothing beyond the watermark; the other save already won.
		return &SaveResult{ConversationID: conversationID, StoredCount: storedCount}, nil
	}

	newCount, err := r.store.AppendMessages(ctx, conversationID, msgs[storedCount:], storedCount)
	if err != nil {
		return nil, err
	}
	return &SaveResult{ConversationID: conversationID, StoredCount: newCount}, nil
}

// titleFrom derives a conversation title from the first user message.
func titleFrom(msgs []domain.Message) string {
	for _, m := range msgs {
		if m.Role != domain.RoleUser {
			continue
		}
		title := strings.TrimSpace(m.Content)
		if len(title) > 60 {
			title = title[:57] + "..."
		}
		if title != "" {
			return title
		}
	}
	return "New conversation"
}
