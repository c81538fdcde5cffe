package conversation

import (
	"context"
	"strings"
	"sync"
	"testing"

	"deptgate/internal/domain"
)

func history(n int) []domain.Message {
	msgs := make([]domain.Message, 0, n)
	for i := 0; i < n; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		msgs = append(msgs, domain.Message{Role: role, Content: string(rune('a' + i))})
	}
	return msgs
}

func TestSave_CreatesNewConversation(t *testing.T) {
	store := NewInMemoryStore()
	rec := NewReconciler(store)

	msgs := []domain.Message{
		{Role: domain.RoleUser, Content: "What is a goroutine?"},
		{Role: domain.RoleAssistant, Content: "A lightweight thread."},
	}

	result, err := rec.Save(context.Background(), SaveRequest{UserID: "u1", Messages: msgs})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !result.Created {
		t.Error("Created = false, want true")
	}
	if result.StoredCount != 2 {
		t.Errorf("StoredCount = %d, want 2", result.StoredCount)
	}

	stored := store.Messages(result.ConversationID)
	if len(stored) != 2 {
		t.Fatalf("stored %d messages, want 2", len(stored))
	}
	if stored[0].Content != "What is a goroutine?" {
		t.Errorf("first message = %q", stored[0].Content)
	}
}

func TestSave_AppendsOnlyBeyondWatermark(t *testing.T) {
	store := NewInMemoryStore()
	rec := NewReconciler(store)
	ctx := context.Background()

	first, err := rec.Save(ctx, SaveRequest{UserID: "u1", Messages: history(3)})
	if err != nil {
		t.Fatalf("initial Save() error = %v", err)
	}

	// In-memory history grew to 5; only indexes 3 and 4 should be written.
	result, err := rec.Save(ctx, SaveRequest{
		ConversationID: first.ConversationID,
		UserID:         "u1",
		Messages:       history(5),
		StoredCount:    3,
	})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if result.StoredCount != 5 {
		t.Errorf("StoredCount = %d, want 5", result.StoredCount)
	}

	stored := store.Messages(first.ConversationID)
	if len(stored) != 5 {
		t.Fatalf("stored %d messages, want 5", len(stored))
	}
	if stored[3].Content != history(5)[3].Content || stored[4].Content != history(5)[4].Content {
		t.Error("appended tail does not match messages beyond the watermark")
	}
}

func TestSave_NoOpWhenNothingNew(t *testing.T) {
	store := NewInMemoryStore()
	rec := NewReconciler(store)
	ctx := context.Background()

	first, _ := rec.Save(ctx, SaveRequest{UserID: "u1", Messages: history(4)})

	result, err := rec.Save(ctx, SaveRequest{
		ConversationID: first.ConversationID,
		Messages:       history(4),
		StoredCount:    4,
	})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if result.StoredCount != 4 {
		t.Errorf("StoredCount = %d, want 4", result.StoredCount)
	}
	if len(store.Messages(first.ConversationID)) != 4 {
		t.Errorf("no-op save wrote messages")
	}
}

func TestSave_Idempotent(t *testing.T) {
	store := NewInMemoryStore()
	rec := NewReconciler(store)
	ctx := context.Background()

	first, _ := rec.Save(ctx, SaveRequest{UserID: "u1", Messages: history(3)})

	req := SaveRequest{
		ConversationID: first.ConversationID,
		Messages:       history(5),
		StoredCount:    3,
	}

	if _, err := rec.Save(ctx, req); err != nil {
		t.Fatalf("first Save() error = %v", err)
	}
	// Same save again: the stale watermark triggers a conflict, the retry
	// sees nothing new and becomes a no-op.
	result, err := rec.Save(ctx, req)
	if err != nil {
		t.Fatalf("second Save() error = %v", err)
	}
	if result.StoredCount != 5 {
		t.Errorf("StoredCount = %d, want 5", result.StoredCount)
	}
	if got := len(store.Messages(first.ConversationID)); got != 5 {
		t.Errorf("stored %d messages, want 5 (no duplicates)", got)
	}
}

func TestSave_ConcurrentSavesNeverDuplicate(t *testing.T) {
	const savers = 20

	store := NewInMemoryStore()
	rec := NewReconciler(store)
	ctx := context.Background()

	first, _ := rec.Save(ctx, SaveRequest{UserID: "u1", Messages: history(3)})

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < savers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := rec.Save(ctx, SaveRequest{
				ConversationID: first.ConversationID,
				Messages:       history(5),
				StoredCount:    3,
			})
			if err != nil {
				t.Errorf("Save() error = %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := len(store.Messages(first.ConversationID)); got != 5 {
		t.Errorf("stored %d messages, want 5", got)
	}
}

func TestTitleFrom(t *testing.T) {
	tests := []struct {
		name string
		msgs []domain.Message
		want string
	}{
		{
			name: "first user message",
			msgs: []domain.Message{
				{Role: domain.RoleSystem, Content: "You are helpful."},
				{Role: domain.RoleUser, Content: "Explain CAS loops"},
			},
			want: "Explain CAS loops",
		},
		{
			name: "long message truncated",
			msgs: []domain.Message{
				{Role: domain.RoleUser, Content: strings.Repeat("a", 80)},
			},
			want: strings.Repeat("a", 57) + "...",
		},
		{
			name: "no user message",
			msgs: []domain.Message{{Role: domain.RoleSystem, Content: "x"}},
			want: "New conversation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := titleFrom(tt.msgs); got != tt.want {
				t.Errorf("titleFrom() = %q, want %q", got, tt.want)
			}
		})
	}
}
