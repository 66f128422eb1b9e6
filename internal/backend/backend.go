// Package backend is the request/response side of the hosted data store:
// snapshot queries, row mutations and the stored procedures the sync layer
// calls. Postgres talks to the database through pgx; Memory keeps tables in
// process and publishes every mutation to a feed.Broker.
package backend

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/askhub/livesync/internal/model"
	"github.com/askhub/livesync/internal/query"
)

const (
	TableConversations = "conversations"
	TableMessages      = "messages"
	TableNotifications = "notifications"
	TableProfiles      = "profiles"
	TableQuestions     = "questions"
	TableVotes         = "votes"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidName  = errors.New("invalid identifier")
	ErrEmptyPatch   = errors.New("empty patch")
	ErrUnknownTable = errors.New("unknown table")
	// ErrUnfiltered guards against table-wide updates and deletes.
	ErrUnfiltered = errors.New("update or delete without filter")
)

type Snapshots interface {
	// Select returns matching rows as JSON objects. limit <= 0 means no limit.
	Select(ctx context.Context, table string, f query.Filter, o query.Order, limit int) ([]json.RawMessage, error)
	// UnreadCounts counts unread messages not sent by viewerID, grouped by
	// conversation. Conversations without unread messages are absent.
	UnreadCounts(ctx context.Context, viewerID string, conversationIDs []string) (map[string]int, error)
	Profiles(ctx context.Context, ids []string) (map[string]model.Profile, error)
}

type Mutations interface {
	// Insert returns the stored row including server defaults.
	Insert(ctx context.Context, table string, row map[string]any) (json.RawMessage, error)
	// Update applies patch to every row matching f and returns the number of rows changed.
	Update(ctx context.Context, table string, f query.Filter, patch map[string]any) (int64, error)
	Delete(ctx context.Context, table string, f query.Filter) (int64, error)
}

// Procedures are server-side functions treated as atomic black boxes.
type Procedures interface {
	// GetOrCreateConversation is keyed by the unordered pair (a, b).
	GetOrCreateConversation(ctx context.Context, a, b string) (string, error)
	MarkMessagesRead(ctx context.Context, conversationID, viewerID string) error
	IncrementQuestionViews(ctx context.Context, questionID string) error
}

type Backend interface {
	Snapshots
	Mutations
	Procedures
}

// DecodeRows decodes snapshot rows into T.
func DecodeRows[T any](rows []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		var v T
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
