package model

import "time"

type Question struct {
	ID           string    `json:"id"`
	AuthorID     string    `json:"author_id"`
	Title        string    `json:"title"`
	Body         string    `json:"body"`
	Tags         []string  `json:"tags"`
	Votes        int       `json:"votes"`
	Views        int       `json:"views"`
	AnswerCount  int       `json:"answer_count"`
	BestAnswerID *string   `json:"best_answer_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (q Question) Key() string { return q.ID }

type VoteTarget string

const (
	VoteTargetQuestion VoteTarget = "question"
	VoteTargetAnswer   VoteTarget = "answer"
)

// Vote is one user's +1/-1 on a question or an answer. Tallies live in the
// target row and are maintained by the database.
type Vote struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	TargetType VoteTarget `json:"target_type"`
	TargetID   string     `json:"target_id"`
	Value      int        `json:"value"`
}

func (v Vote) Key() string { return v.ID }
