package livesync

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/askhub/livesync/internal/backend"
	"github.com/askhub/livesync/internal/model"
)

func TestQuestionFeedTracksCounters(t *testing.T) {
	f := newCountingFeed()
	defer f.Close()
	b := newCountingBackend(f.Broker)
	b.seed(t, backend.TableQuestions, map[string]any{"id": "q1", "author_id": "bob", "title": "old", "created_at": ts(1)})
	b.seed(t, backend.TableQuestions, map[string]any{"id": "q2", "author_id": "bob", "title": "new", "created_at": ts(2)})
	ctx := context.Background()

	q := NewQuestionFeed(b, f, ViewOptions{})
	assert.Equal(t, q.Activate(ctx, ""), nil)
	assert.Equal(t, q.State(), StateInactive)

	assert.Equal(t, q.Activate(ctx, "alice"), nil)
	assert.Equal(t, q.Items()[0].ID, "q2")

	assert.Equal(t, RecordQuestionView(ctx, b, "q1"), nil)
	eventually(t, "view counter", func() bool { return q.Items()[1].Views == 1 })

	b.seed(t, backend.TableQuestions, map[string]any{"id": "q3", "author_id": "carol", "title": "newest", "created_at": ts(3)})
	eventually(t, "new question on top", func() bool { return q.Items()[0].ID == "q3" })

	assert.Equal(t, errors.Is(RecordQuestionView(ctx, b, ""), ErrValidation), true)
	var merr *MutationError
	assert.Equal(t, errors.As(RecordQuestionView(ctx, b, "missing"), &merr), true)
}

func TestVoteTrackerCastToggles(t *testing.T) {
	f := newCountingFeed()
	defer f.Close()
	b := newCountingBackend(f.Broker)
	ctx := context.Background()
	votes := NewVoteTracker(b, f, ViewOptions{})

	assert.Equal(t, errors.Is(votes.Cast(ctx, model.VoteTargetQuestion, "q1", 1), ErrNoViewer), true)
	assert.Equal(t, votes.Activate(ctx, "alice"), nil)

	assert.Equal(t, votes.Cast(ctx, model.VoteTargetQuestion, "q1", 1), nil)
	eventually(t, "upvote", func() bool { return votes.VoteOf(model.VoteTargetQuestion, "q1") == 1 })

	assert.Equal(t, votes.Cast(ctx, model.VoteTargetQuestion, "q1", -1), nil)
	eventually(t, "downvote", func() bool { return votes.VoteOf(model.VoteTargetQuestion, "q1") == -1 })

	assert.Equal(t, votes.Cast(ctx, model.VoteTargetQuestion, "q1", -1), nil)
	eventually(t, "vote removed", func() bool { return votes.VoteOf(model.VoteTargetQuestion, "q1") == 0 })

	assert.Equal(t, votes.VoteOf(model.VoteTargetAnswer, "q1"), 0)
	assert.Equal(t, errors.Is(votes.Cast(ctx, model.VoteTargetAnswer, "a1", 2), ErrValidation), true)
	assert.Equal(t, errors.Is(votes.Cast(ctx, "comment", "a1", 1), ErrValidation), true)
	assert.Equal(t, b.count("insert:votes"), 1)
}
