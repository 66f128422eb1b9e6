package livesync

import (
	"context"

	"github.com/askhub/livesync/internal/backend"
	"github.com/askhub/livesync/internal/feed"
	"github.com/askhub/livesync/internal/model"
	"github.com/askhub/livesync/internal/query"
)

const DefaultQuestionLimit = 30

// QuestionFeed is the newest questions with live vote, view and answer
// counters. It is not narrowed by viewer but still needs one to activate.
type QuestionFeed struct {
	store *Store[model.Question]
}

func NewQuestionFeed(snaps backend.Snapshots, f feed.Feed, opts ViewOptions) *QuestionFeed {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultQuestionLimit
	}
	return &QuestionFeed{store: NewStore(snaps, f, Options[model.Question]{
		Name:  "questions",
		Table: backend.TableQuestions,
		Order: query.Desc("created_at"),
		Limit: limit,
		Less: func(a, b model.Question) bool {
			return a.CreatedAt.After(b.CreatedAt)
		},
		Reconnect: opts.Reconnect,
		Reporter:  opts.Reporter,
	})}
}

func (q *QuestionFeed) Activate(ctx context.Context, viewer string) error {
	return q.store.Activate(ctx, Scope{Viewer: viewer})
}

func (q *QuestionFeed) Deactivate() { q.store.Deactivate() }
func (q *QuestionFeed) Refresh(ctx context.Context) error { return q.store.Refresh(ctx) }
func (q *QuestionFeed) Items() []model.Question { return q.store.Items() }
func (q *QuestionFeed) State() State { return q.store.State() }

func (q *QuestionFeed) Observe(fn func(Snapshot[model.Question])) func() {
	return q.store.Observe(fn)
}

// VoteTracker holds the viewer's own votes so the UI can show which way
// each question or answer was voted. Tallies stay server-side.
type VoteTracker struct {
	store    *Store[model.Vote]
	muts     backend.Mutations
	reporter Reporter
}

func NewVoteTracker(b backend.Backend, f feed.Feed, opts ViewOptions) *VoteTracker {
	return &VoteTracker{
		muts:     b,
		reporter: opts.reporter(),
		store: NewStore(b, f, Options[model.Vote]{
			Name:  "votes",
			Table: backend.TableVotes,
			Filter: func(sc Scope) query.Filter {
				return query.Where(query.Eq("user_id", sc.Viewer))
			},
			Reconnect: opts.Reconnect,
			Reporter:  opts.Reporter,
		}),
	}
}

func (t *VoteTracker) Activate(ctx context.Context, viewer string) error {
	return t.store.Activate(ctx, Scope{Viewer: viewer})
}

func (t *VoteTracker) Deactivate() { t.store.Deactivate() }
func (t *VoteTracker) State() State { return t.store.State() }

func (t *VoteTracker) Observe(fn func(Snapshot[model.Vote])) func() {
	return t.store.Observe(fn)
}

func (t *VoteTracker) find(target model.VoteTarget, id string) (model.Vote, bool) {
	for _, v := range t.store.Items() {
		if v.TargetType == target && v.TargetID == id {
			return v, true
		}
	}
	return model.Vote{}, false
}

// VoteOf returns +1, -1 or 0 for the viewer's vote on the target.
func (t *VoteTracker) VoteOf(target model.VoteTarget, id string) int {
	v, _ := t.find(target, id)
	return v.Value
}

// Cast sets the viewer's vote. Casting the current value again removes it.
// Local state moves only when the change comes back through the feed.
func (t *VoteTracker) Cast(ctx context.Context, target model.VoteTarget, id string, value int) error {
	viewer := t.store.Scope().Viewer
	if viewer == "" {
		return ErrNoViewer
	}
	if target != model.VoteTargetQuestion && target != model.VoteTargetAnswer {
		return validationErr("unknown vote target %q", target)
	}
	if id == "" || (value != 1 && value != -1) {
		return validationErr("vote %d on %q", value, id)
	}

	var err error
	op := "vote"
	switch cur, ok := t.find(target, id); {
	case !ok:
		_, err = t.muts.Insert(ctx, backend.TableVotes, map[string]any{
			"user_id":     viewer,
			"target_type": string(target),
			"target_id":   id,
			"value":       value,
		})
	case cur.Value == value:
		op = "unvote"
		_, err = t.muts.Delete(ctx, backend.TableVotes, query.Where(query.Eq("id", cur.ID)))
	default:
		_, err = t.muts.Update(ctx, backend.TableVotes, query.Where(query.Eq("id", cur.ID)), map[string]any{"value": value})
	}
	if err != nil {
		merr := &MutationError{Op: op, Err: err}
		t.reporter.Report("votes", merr)
		return merr
	}
	return nil
}

// RecordQuestionView bumps the view counter of a question.
func RecordQuestionView(ctx context.Context, procs backend.Procedures, questionID string) error {
	if questionID == "" {
		return validationErr("empty question id")
	}
	if err := procs.IncrementQuestionViews(ctx, questionID); err != nil {
		return &MutationError{Op: "increment_question_views", Err: err}
	}
	return nil
}
