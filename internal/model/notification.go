package model

import "time"

type NotificationType string

const (
	NotificationNewAnswer         NotificationType = "new_answer"
	NotificationQuestionAnswered  NotificationType = "question_answered"
	NotificationAnswerUpvoted     NotificationType = "answer_upvoted"
	NotificationAnswerDownvoted   NotificationType = "answer_downvoted"
	NotificationQuestionUpvoted   NotificationType = "question_upvoted"
	NotificationQuestionDownvoted NotificationType = "question_downvoted"
	NotificationBestAnswer        NotificationType = "best_answer"
	NotificationBadgeEarned       NotificationType = "badge_earned"
	NotificationLevelUp           NotificationType = "level_up"
	NotificationNewMessage        NotificationType = "new_message"
)

// Notification rows are only ever created server-side; clients flip Read.
type Notification struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	Type           NotificationType `json:"type"`
	Title          string           `json:"title"`
	Message        string           `json:"message"`
	FromUserID     *string          `json:"from_user_id,omitempty"`
	QuestionID     *string          `json:"question_id,omitempty"`
	ConversationID *string          `json:"conversation_id,omitempty"`
	Read           bool             `json:"read"`
	CreatedAt      time.Time        `json:"created_at"`
}

func (n Notification) Key() string { return n.ID }

// Link returns push payload data pointing at the notification target.
func (n Notification) Link() map[string]string {
	data := map[string]string{"notification_id": n.ID, "type": string(n.Type)}
	if n.QuestionID != nil {
		data["question_id"] = *n.QuestionID
	}
	if n.ConversationID != nil {
		data["conversation_id"] = *n.ConversationID
	}
	return data
}
