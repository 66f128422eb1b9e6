package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/askhub/livesync/internal/feed"
	"github.com/askhub/livesync/internal/model"
	"github.com/askhub/livesync/internal/query"
)

// tableDefaults mirrors column defaults of migrations/001_init.sql.
var tableDefaults = map[string]map[string]any{
	TableConversations: {"last_message": nil, "last_message_at": nil},
	TableMessages:      {"type": string(model.MessageTypeText), "read": false},
	TableNotifications: {"read": false, "from_user_id": nil, "question_id": nil, "conversation_id": nil},
	TableProfiles:      {"avatar_url": "", "level": json.Number("1")},
	TableQuestions:     {"votes": json.Number("0"), "views": json.Number("0"), "answer_count": json.Number("0"), "tags": []any{}, "best_answer_id": nil},
	TableVotes:         {},
}

// Memory is an in-process Backend. Every mutation is published to the
// broker as a change, like the database trigger does for Postgres.
type Memory struct {
	mu     sync.Mutex
	tables map[string][]map[string]any
	broker *feed.Broker
	now    func() time.Time
}

func NewMemory(broker *feed.Broker) *Memory {
	m := &Memory{
		tables: make(map[string][]map[string]any, len(tableDefaults)),
		broker: broker,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for t := range tableDefaults {
		m.tables[t] = nil
	}
	return m
}

// Feed returns the broker the backend publishes to.
func (m *Memory) Feed() *feed.Broker { return m.broker }

func (m *Memory) rows(table string) ([]map[string]any, error) {
	rows, ok := m.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return rows, nil
}

func (m *Memory) Select(ctx context.Context, table string, f query.Filter, o query.Order, limit int) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	rows, err := m.rows(table)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	matched := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		if f.Match(r) {
			matched = append(matched, r)
		}
	}
	m.mu.Unlock()

	if !o.IsZero() {
		sort.SliceStable(matched, func(i, j int) bool {
			c := compareValues(matched[i][o.Column], matched[j][o.Column])
			if o.Desc {
				return c > 0
			}
			return c < 0
		})
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]json.RawMessage, 0, len(matched))
	for _, r := range matched {
		b, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (m *Memory) UnreadCounts(ctx context.Context, viewerID string, conversationIDs []string) (map[string]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[string]struct{}, len(conversationIDs))
	for _, id := range conversationIDs {
		want[id] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int, len(conversationIDs))
	for _, r := range m.tables[TableMessages] {
		cid, _ := r["conversation_id"].(string)
		if _, ok := want[cid]; !ok {
			continue
		}
		if read, _ := r["read"].(bool); read {
			continue
		}
		if sender, _ := r["sender_id"].(string); sender == viewerID {
			continue
		}
		counts[cid]++
	}
	return counts, nil
}

func (m *Memory) Profiles(ctx context.Context, ids []string) (map[string]model.Profile, error) {
	rows, err := m.Select(ctx, TableProfiles, query.Where(query.In("id", ids...)), query.Order{}, 0)
	if err != nil {
		return nil, err
	}
	profiles, err := DecodeRows[model.Profile](rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.Profile, len(profiles))
	for _, p := range profiles {
		out[p.ID] = p
	}
	return out, nil
}

func (m *Memory) Insert(ctx context.Context, table string, row map[string]any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stored, err := normalizeRow(row)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if _, err := m.rows(table); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	for k, v := range tableDefaults[table] {
		if _, ok := stored[k]; !ok {
			stored[k] = v
		}
	}
	if _, ok := stored["id"]; !ok {
		stored["id"] = uuid.New().String()
	}
	if _, ok := stored["created_at"]; !ok {
		stored["created_at"] = m.now().Format(time.RFC3339Nano)
	}
	m.tables[table] = append(m.tables[table], stored)
	raw, err := json.Marshal(stored)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.publish(feed.Change{Table: table, Type: feed.Insert, New: raw})
	return raw, nil
}

func (m *Memory) Update(ctx context.Context, table string, f query.Filter, patch map[string]any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(patch) == 0 {
		return 0, ErrEmptyPatch
	}
	if f.IsZero() {
		return 0, ErrUnfiltered
	}
	np, err := normalizeRow(patch)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	rows, err := m.rows(table)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	var changes []feed.Change
	for i, r := range rows {
		if !f.Match(r) {
			continue
		}
		oldRaw, _ := json.Marshal(r)
		next := make(map[string]any, len(r))
		for k, v := range r {
			next[k] = v
		}
		for k, v := range np {
			next[k] = v
		}
		rows[i] = next
		newRaw, _ := json.Marshal(next)
		changes = append(changes, feed.Change{Table: table, Type: feed.Update, New: newRaw, Old: oldRaw})
	}
	m.mu.Unlock()
	for _, c := range changes {
		m.publish(c)
	}
	return int64(len(changes)), nil
}

func (m *Memory) Delete(ctx context.Context, table string, f query.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if f.IsZero() {
		return 0, ErrUnfiltered
	}
	m.mu.Lock()
	rows, err := m.rows(table)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	kept := rows[:0:0]
	var changes []feed.Change
	for _, r := range rows {
		if f.Match(r) {
			oldRaw, _ := json.Marshal(r)
			changes = append(changes, feed.Change{Table: table, Type: feed.Delete, Old: oldRaw})
			continue
		}
		kept = append(kept, r)
	}
	m.tables[table] = kept
	m.mu.Unlock()
	for _, c := range changes {
		m.publish(c)
	}
	return int64(len(changes)), nil
}

func (m *Memory) GetOrCreateConversation(ctx context.Context, a, b string) (string, error) {
	if a == "" || b == "" {
		return "", fmt.Errorf("get_or_create_conversation: empty participant")
	}
	pair := query.Filter{}.Or(
		query.Eq("participant_1", a), query.Eq("participant_1", b),
	).And(query.In("participant_2", a, b))
	rows, err := m.Select(ctx, TableConversations, pair, query.Order{}, 0)
	if err != nil {
		return "", err
	}
	convs, err := DecodeRows[model.Conversation](rows)
	if err != nil {
		return "", err
	}
	for _, c := range convs {
		if c.HasParticipant(a) && c.HasParticipant(b) {
			return c.ID, nil
		}
	}
	raw, err := m.Insert(ctx, TableConversations, map[string]any{"participant_1": a, "participant_2": b})
	if err != nil {
		return "", err
	}
	var c model.Conversation
	if err := json.Unmarshal(raw, &c); err != nil {
		return "", err
	}
	return c.ID, nil
}

func (m *Memory) MarkMessagesRead(ctx context.Context, conversationID, viewerID string) error {
	_, err := m.Update(ctx, TableMessages, query.Where(
		query.Eq("conversation_id", conversationID),
		query.Neq("sender_id", viewerID),
		query.Eq("read", false),
	), map[string]any{"read": true})
	return err
}

func (m *Memory) IncrementQuestionViews(ctx context.Context, questionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	var change *feed.Change
	for i, r := range m.tables[TableQuestions] {
		if r["id"] != questionID {
			continue
		}
		oldRaw, _ := json.Marshal(r)
		next := make(map[string]any, len(r))
		for k, v := range r {
			next[k] = v
		}
		views, _ := toInt(r["views"])
		next["views"] = json.Number(fmt.Sprint(views + 1))
		m.tables[TableQuestions][i] = next
		newRaw, _ := json.Marshal(next)
		change = &feed.Change{Table: TableQuestions, Type: feed.Update, New: newRaw, Old: oldRaw}
		break
	}
	m.mu.Unlock()
	if change == nil {
		return ErrNotFound
	}
	m.publish(*change)
	return nil
}

func (m *Memory) publish(c feed.Change) {
	if m.broker == nil {
		return
	}
	c.CommitTime = m.now()
	m.broker.Publish(c)
}

// normalizeRow round-trips through JSON so stored values have the same
// shapes a decoded change row has (strings, bools, json.Number, nil).
func normalizeRow(in map[string]any) (map[string]any, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return query.DecodeRow(b)
}

func toInt(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	}
	return 0, false
}

// compareValues orders nil first, then numbers, RFC 3339 times and strings.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	if ta, err := time.Parse(time.RFC3339Nano, as); err == nil {
		if tb, err := time.Parse(time.RFC3339Nano, bs); err == nil {
			return ta.Compare(tb)
		}
	}
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	}
	return 0, false
}
