package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/askhub/livesync/internal/logger"
	"github.com/askhub/livesync/internal/model"
	"github.com/askhub/livesync/internal/query"
)

// Postgres implements Backend on a pgx pool. Row-level access rules and the
// procedures live in the database (migrations/001_init.sql).
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Select(ctx context.Context, table string, f query.Filter, o query.Order, limit int) ([]json.RawMessage, error) {
	defer logger.DeferLogDuration("pg.Select "+table, time.Now())()
	sql, args, err := buildSelect(table, f, o, limit)
	if err != nil {
		return nil, fmt.Errorf("pg.Select %s: %w", table, err)
	}
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("pg.Select %s query: %w", table, err)
	}
	defer rows.Close()

	out := make([]json.RawMessage, 0, 32)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("pg.Select %s scan: %w", table, err)
		}
		out = append(out, json.RawMessage(append([]byte(nil), raw...)))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pg.Select %s rows: %w", table, err)
	}
	return out, nil
}

func (p *Postgres) UnreadCounts(ctx context.Context, viewerID string, conversationIDs []string) (map[string]int, error) {
	defer logger.DeferLogDuration("pg.UnreadCounts", time.Now())()
	counts := make(map[string]int, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return counts, nil
	}
	rows, err := p.pool.Query(ctx,
		`SELECT conversation_id::text, COUNT(*)
		 FROM messages
		 WHERE conversation_id::text = ANY($1::text[]) AND read = false AND sender_id::text <> $2
		 GROUP BY conversation_id`,
		conversationIDs, viewerID,
	)
	if err != nil {
		return nil, fmt.Errorf("pg.UnreadCounts query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("pg.UnreadCounts scan: %w", err)
		}
		counts[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pg.UnreadCounts rows: %w", err)
	}
	return counts, nil
}

func (p *Postgres) Profiles(ctx context.Context, ids []string) (map[string]model.Profile, error) {
	defer logger.DeferLogDuration("pg.Profiles", time.Now())()
	out := make(map[string]model.Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id::text, username, COALESCE(avatar_url, ''), level
		 FROM profiles WHERE id::text = ANY($1::text[])`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("pg.Profiles query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pr model.Profile
		if err := rows.Scan(&pr.ID, &pr.Username, &pr.AvatarURL, &pr.Level); err != nil {
			return nil, fmt.Errorf("pg.Profiles scan: %w", err)
		}
		out[pr.ID] = pr
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pg.Profiles rows: %w", err)
	}
	return out, nil
}

func (p *Postgres) Insert(ctx context.Context, table string, row map[string]any) (json.RawMessage, error) {
	defer logger.DeferLogDuration("pg.Insert "+table, time.Now())()
	sql, args, err := buildInsert(table, row)
	if err != nil {
		return nil, fmt.Errorf("pg.Insert %s: %w", table, err)
	}
	var raw []byte
	if err := p.pool.QueryRow(ctx, sql, args...).Scan(&raw); err != nil {
		return nil, fmt.Errorf("pg.Insert %s: %w", table, err)
	}
	return json.RawMessage(raw), nil
}

func (p *Postgres) Update(ctx context.Context, table string, f query.Filter, patch map[string]any) (int64, error) {
	defer logger.DeferLogDuration("pg.Update "+table, time.Now())()
	sql, args, err := buildUpdate(table, f, patch)
	if err != nil {
		return 0, fmt.Errorf("pg.Update %s: %w", table, err)
	}
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("pg.Update %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) Delete(ctx context.Context, table string, f query.Filter) (int64, error) {
	defer logger.DeferLogDuration("pg.Delete "+table, time.Now())()
	sql, args, err := buildDelete(table, f)
	if err != nil {
		return 0, fmt.Errorf("pg.Delete %s: %w", table, err)
	}
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("pg.Delete %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) GetOrCreateConversation(ctx context.Context, a, b string) (string, error) {
	defer logger.DeferLogDuration("pg.GetOrCreateConversation", time.Now())()
	var id string
	err := p.pool.QueryRow(ctx, `SELECT get_or_create_conversation($1, $2)::text`, a, b).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("pg.GetOrCreateConversation: %w", err)
	}
	return id, nil
}

func (p *Postgres) MarkMessagesRead(ctx context.Context, conversationID, viewerID string) error {
	defer logger.DeferLogDuration("pg.MarkMessagesRead", time.Now())()
	if _, err := p.pool.Exec(ctx, `SELECT mark_messages_read($1, $2)`, conversationID, viewerID); err != nil {
		return fmt.Errorf("pg.MarkMessagesRead: %w", err)
	}
	return nil
}

func (p *Postgres) IncrementQuestionViews(ctx context.Context, questionID string) error {
	defer logger.DeferLogDuration("pg.IncrementQuestionViews", time.Now())()
	if _, err := p.pool.Exec(ctx, `SELECT increment_question_views($1)`, questionID); err != nil {
		return fmt.Errorf("pg.IncrementQuestionViews: %w", err)
	}
	return nil
}
