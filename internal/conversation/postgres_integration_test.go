//go:build integration

package conversation_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"deptgate/internal/conversation"
	"deptgate/internal/domain"
	_ "github.com/lib/pq"
)

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	return db
}

func seedConversation(t *testing.T, store *conversation.PostgresStore) string {
	t.Helper()

	conv := &domain.Conversation{
		UserID:        "user-" + time.Now().Format("20060102150405"),
		Title:         "Integration test",
		ModelConfigID: "cfg-test",
	}
	id, err := store.CreateWithMessages(context.Background(), conv, []domain.Message{
		{Role: domain.RoleUser, Content: "Hello"},
		{Role: domain.RoleAssistant, Content: "Hi there"},
	})
	if err != nil {
		t.Fatalf("CreateWithMessages failed: %v", err)
	}
	return id
}

func TestPostgresStore_CreateAndCount(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	store := conversation.NewPostgresStore(db)
	id := seedConversation(t, store)

	count, err := store.MessageCount(context.Background(), id)
	if err != nil {
		t.Fatalf("MessageCount failed: %v", err)
	}
	if count != 2 {
		t.Errorf("MessageCount = %d, want 2", count)
	}
}

func TestPostgresStore_AppendMessages(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	store := conversation.NewPostgresStore(db)
	ctx := context.Background()
	id := seedConversation(t, store)

	newCount, err := store.AppendMessages(ctx, id, []domain.Message{
		{Role: domain.RoleUser, Content: "Follow-up"},
		{Role: domain.RoleAssistant, Content: "Answer"},
	}, 2)
	if err != nil {
		t.Fatalf("AppendMessages failed: %v", err)
	}
	if newCount != 4 {
		t.Errorf("AppendMessages returned %d, want 4", newCount)
	}
}

func TestPostgresStore_AppendWatermarkConflict(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	store := conversation.NewPostgresStore(db)
	ctx := context.Background()
	id := seedConversation(t, store)

	// Stale watermark: the store holds 2 messages, the caller claims 1.
	_, err := store.AppendMessages(ctx, id, []domain.Message{
		{Role: domain.RoleAssistant, Content: "stale"},
	}, 1)
	if !errors.Is(err, domain.ErrWatermarkConflict) {
		t.Errorf("error = %v, want ErrWatermarkConflict", err)
	}

	count, err := store.MessageCount(ctx, id)
	if err != nil {
		t.Fatalf("MessageCount failed: %v", err)
	}
	if count != 2 {
		t.Errorf("MessageCount = %d after rejected append, want 2", count)
	}
}

func TestPostgresStore_UnknownConversation(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	store := conversation.NewPostgresStore(db)

	_, err := store.MessageCount(context.Background(), "00000000-0000-0000-0000-000000000000")
	if !errors.Is(err, domain.ErrConversationNotFound) {
		t.Errorf("error = %v, want ErrConversationNotFound", err)
	}
}
