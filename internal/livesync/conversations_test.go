package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/askhub/livesync/internal/backend"
	"github.com/askhub/livesync/internal/feed"
	"github.com/askhub/livesync/internal/model"
)

func newConversationFixture(t *testing.T) (*countingBackend, *countingFeed, *ConversationView) {
	t.Helper()
	f := newCountingFeed()
	t.Cleanup(func() { f.Close() })
	b := newCountingBackend(f.Broker)
	seedProfiles(t, b, "alice", "bob", "carol")
	return b, f, NewConversationView(b, f, ViewOptions{Reporter: &recordingReporter{}})
}

func findConversation(t *testing.T, cs []model.Conversation, id string) model.Conversation {
	t.Helper()
	for _, c := range cs {
		if c.ID == id {
			return c
		}
	}
	t.Fatalf("conversation %s not listed", id)
	return model.Conversation{}
}

func TestConversationSnapshotCountsUnreadAndResolvesOtherUser(t *testing.T) {
	b, _, v := newConversationFixture(t)
	ctx := context.Background()
	b.seed(t, backend.TableConversations, map[string]any{"id": "c1", "participant_1": "bob", "participant_2": "alice", "last_message_at": ts(1)})
	b.seed(t, backend.TableConversations, map[string]any{"id": "c2", "participant_1": "alice", "participant_2": "carol", "last_message_at": ts(5)})
	b.seed(t, backend.TableConversations, map[string]any{"id": "c3", "participant_1": "bob", "participant_2": "carol"})
	for i := 0; i < 3; i++ {
		b.seed(t, backend.TableMessages, map[string]any{"conversation_id": "c1", "sender_id": "bob", "content": "hey"})
	}
	b.seed(t, backend.TableMessages, map[string]any{"conversation_id": "c1", "sender_id": "alice", "content": "mine"})
	b.seed(t, backend.TableMessages, map[string]any{"conversation_id": "c2", "sender_id": "carol", "content": "seen", "read": true})

	assert.Equal(t, v.Activate(ctx, "alice"), nil)
	assert.Equal(t, v.State(), StateLive)

	items := v.Items()
	assert.Equal(t, conversationIDs(items), []string{"c2", "c1"})
	assert.Equal(t, findConversation(t, items, "c1").UnreadCount, 3)
	assert.Equal(t, findConversation(t, items, "c1").OtherUser.ID, "bob")
	assert.Equal(t, findConversation(t, items, "c2").UnreadCount, 0)
	assert.Equal(t, findConversation(t, items, "c2").OtherUser.Username, "user-carol")
	assert.Equal(t, v.UnreadTotal(), 3)
	// one aggregated count query, not one per conversation
	assert.Equal(t, b.count("unread_counts"), 1)
}

func TestConversationOpeningThreadClearsUnreadAfterReload(t *testing.T) {
	b, f, v := newConversationFixture(t)
	ctx := context.Background()
	b.seed(t, backend.TableConversations, map[string]any{"id": "c1", "participant_1": "alice", "participant_2": "bob"})
	for i := 0; i < 3; i++ {
		b.seed(t, backend.TableMessages, map[string]any{"conversation_id": "c1", "sender_id": "bob", "content": "ping"})
	}
	assert.Equal(t, v.Activate(ctx, "alice"), nil)
	assert.Equal(t, findConversation(t, v.Items(), "c1").UnreadCount, 3)

	thread := NewThreadView(b, f, ViewOptions{})
	assert.Equal(t, thread.Activate(ctx, "alice", "c1"), nil)
	assert.Equal(t, b.count("mark_messages_read"), 1)

	// streamed read flips do not touch the counter; the reload recounts
	assert.Equal(t, findConversation(t, v.Items(), "c1").UnreadCount, 3)
	assert.Equal(t, v.Refresh(ctx), nil)
	assert.Equal(t, findConversation(t, v.Items(), "c1").UnreadCount, 0)
	assert.Equal(t, b.count("mark_messages_read"), 1)
}

func TestConversationStreamedMessages(t *testing.T) {
	b, _, v := newConversationFixture(t)
	ctx := context.Background()
	b.seed(t, backend.TableConversations, map[string]any{"id": "c1", "participant_1": "alice", "participant_2": "bob", "last_message_at": ts(1)})
	b.seed(t, backend.TableConversations, map[string]any{"id": "c2", "participant_1": "carol", "participant_2": "alice", "last_message_at": ts(9)})
	b.seed(t, backend.TableMessages, map[string]any{"conversation_id": "c1", "sender_id": "bob", "content": "old", "created_at": ts(1)})
	assert.Equal(t, v.Activate(ctx, "alice"), nil)
	assert.Equal(t, findConversation(t, v.Items(), "c1").UnreadCount, 1)

	_, err := b.Memory.Insert(ctx, backend.TableMessages, map[string]any{"conversation_id": "c1", "sender_id": "bob", "content": "one", "created_at": ts(20)})
	assert.Equal(t, err, nil)
	_, err = b.Memory.Insert(ctx, backend.TableMessages, map[string]any{"conversation_id": "c1", "sender_id": "bob", "content": "two", "created_at": ts(21)})
	assert.Equal(t, err, nil)
	eventually(t, "unread from bob", func() bool { return findConversation(t, v.Items(), "c1").UnreadCount == 3 })

	_, err = b.Memory.Insert(ctx, backend.TableMessages, map[string]any{"conversation_id": "c1", "sender_id": "alice", "content": "reply", "created_at": ts(22)})
	assert.Equal(t, err, nil)
	eventually(t, "preview of own message", func() bool { return findConversation(t, v.Items(), "c1").LastMessage == "reply" })

	c1 := findConversation(t, v.Items(), "c1")
	assert.Equal(t, c1.UnreadCount, 3)
	assert.Equal(t, c1.LastMessageAt.Format("15:04"), "12:22")
	// order stays as loaded even though c1 now has the newest message
	assert.Equal(t, conversationIDs(v.Items()), []string{"c2", "c1"})

	// messages of conversations the viewer is not in are ignored
	_, err = b.Memory.Insert(ctx, backend.TableMessages, map[string]any{"conversation_id": "elsewhere", "sender_id": "bob", "content": "x"})
	assert.Equal(t, err, nil)
	_, err = b.Memory.Insert(ctx, backend.TableMessages, map[string]any{"conversation_id": "c2", "sender_id": "carol", "content": "sentinel"})
	assert.Equal(t, err, nil)
	eventually(t, "sentinel", func() bool { return findConversation(t, v.Items(), "c2").LastMessage == "sentinel" })
	assert.Equal(t, v.UnreadTotal(), 4)

	assert.Equal(t, v.Refresh(ctx), nil)
	assert.Equal(t, findConversation(t, v.Items(), "c1").UnreadCount, 3)
	assert.Equal(t, v.UnreadTotal(), 4)

	v.ResetUnread("c1")
	assert.Equal(t, findConversation(t, v.Items(), "c1").UnreadCount, 0)
}

func TestConversationMessageFeedOnlyCarriesTrackedConversations(t *testing.T) {
	b, f, v := newConversationFixture(t)
	ctx := context.Background()
	b.seed(t, backend.TableConversations, map[string]any{"id": "c1", "participant_1": "alice", "participant_2": "bob"})
	b.seed(t, backend.TableConversations, map[string]any{"id": "c9", "participant_1": "bob", "participant_2": "carol"})
	assert.Equal(t, v.Activate(ctx, "alice"), nil)
	assert.Equal(t, v.tracked.len(), 1)

	msg := func(conv string) feed.Change {
		raw, err := json.Marshal(map[string]any{"conversation_id": conv, "sender_id": "bob"})
		if err != nil {
			t.Fatal(err)
		}
		return feed.Change{Table: backend.TableMessages, Type: feed.Insert, New: raw}
	}
	spec := f.lastSpec(t, backend.TableMessages)
	assert.Equal(t, spec.Accepts(msg("c1")), true)
	assert.Equal(t, spec.Accepts(msg("c9")), false)

	// a conversation streamed in later is tracked before its messages arrive
	b.seed(t, backend.TableConversations, map[string]any{"id": "c2", "participant_1": "carol", "participant_2": "alice"})
	eventually(t, "c2 listed", func() bool { return len(v.Items()) == 2 })
	assert.Equal(t, spec.Accepts(msg("c2")), true)
	_, err := b.Memory.Insert(ctx, backend.TableMessages, map[string]any{"conversation_id": "c2", "sender_id": "carol", "content": "hi"})
	assert.Equal(t, err, nil)
	eventually(t, "c2 unread", func() bool { return findConversation(t, v.Items(), "c2").UnreadCount == 1 })

	v.Deactivate()
	assert.Equal(t, v.tracked.len(), 0)
	assert.Equal(t, spec.Accepts(msg("c1")), false)
}

func TestConversationInsertedLaterGetsProfile(t *testing.T) {
	b, _, v := newConversationFixture(t)
	ctx := context.Background()
	assert.Equal(t, v.Activate(ctx, "alice"), nil)
	assert.Equal(t, len(v.Items()), 0)

	id, err := v.Open(ctx, "carol")
	assert.Equal(t, err, nil)
	again, err := v.Open(ctx, "carol")
	assert.Equal(t, err, nil)
	assert.Equal(t, again, id)

	eventually(t, "profile of new conversation", func() bool {
		items := v.Items()
		return len(items) == 1 && items[0].OtherUser != nil && items[0].OtherUser.ID == "carol"
	})
	assert.Equal(t, v.Items()[0].ID, id)

	// a row update keeps the derived fields
	_, err = b.Memory.Update(ctx, backend.TableConversations, backendID(id), map[string]any{"last_message": "edited"})
	assert.Equal(t, err, nil)
	eventually(t, "row update", func() bool { return v.Items()[0].LastMessage == "edited" })
	assert.Equal(t, v.Items()[0].OtherUser.ID, "carol")
}

func TestConversationOpenValidation(t *testing.T) {
	_, _, v := newConversationFixture(t)
	ctx := context.Background()

	_, err := v.Open(ctx, "bob")
	assert.Equal(t, errors.Is(err, ErrNoViewer), true)

	assert.Equal(t, v.Activate(ctx, "alice"), nil)
	_, err = v.Open(ctx, " ")
	assert.Equal(t, errors.Is(err, ErrValidation), true)
	_, err = v.Open(ctx, "alice")
	assert.Equal(t, errors.Is(err, ErrValidation), true)
}

func TestConversationCountFailureIsFetchError(t *testing.T) {
	b, _, v := newConversationFixture(t)
	b.seed(t, backend.TableConversations, map[string]any{"id": "c1", "participant_1": "alice", "participant_2": "bob"})
	b.failOn("unread_counts", errors.New("timeout"))

	err := v.Activate(context.Background(), "alice")
	var ferr *FetchError
	assert.Equal(t, errors.As(err, &ferr), true)
	assert.Equal(t, v.State(), StateError)
	assert.Equal(t, len(v.Items()), 0)
}
