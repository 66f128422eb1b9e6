package ws

import (
	"github.com/askhub/livesync/internal/livesync"
	"github.com/askhub/livesync/internal/model"
)

type EventType string

// Server → client.
const (
	EventConversations      EventType = "conversations"
	EventNotifications      EventType = "notifications"
	EventThread             EventType = "thread"
	EventQuestions          EventType = "questions"
	EventVotes              EventType = "votes"
	EventPermission         EventType = "permission"
	EventConversationOpened EventType = "conversation_opened"
	EventAck                EventType = "ack"
	EventError              EventType = "error"
)

// Client → server.
const (
	ActionOpenThread        EventType = "open_thread"
	ActionCloseThread       EventType = "close_thread"
	ActionSendMessage       EventType = "send_message"
	ActionMarkRead          EventType = "mark_read"
	ActionMarkAllRead       EventType = "mark_all_read"
	ActionCastVote          EventType = "cast_vote"
	ActionViewQuestion      EventType = "view_question"
	ActionOpenConversation  EventType = "open_conversation"
	ActionRequestPermission EventType = "request_permission"
	ActionRefresh           EventType = "refresh"
)

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type EventType `json:"type"`
	// Ref is echoed back in the ack or error for this action.
	Ref string `json:"ref,omitempty"`

	ConversationID string            `json:"conversation_id,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	Content        string            `json:"content,omitempty"`
	MessageType    model.MessageType `json:"message_type,omitempty"`

	NotificationID string `json:"notification_id,omitempty"`

	QuestionID string           `json:"question_id,omitempty"`
	TargetType model.VoteTarget `json:"target_type,omitempty"`
	TargetID   string           `json:"target_id,omitempty"`
	Value      int              `json:"value,omitempty"`

	// View limits refresh to one stream; empty refreshes everything active.
	View EventType `json:"view,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// ViewPayload carries one observer snapshot. Clients drop payloads whose
// Version is not newer than the last one seen for the same Type.
type ViewPayload[T any] struct {
	State   livesync.State `json:"state"`
	Error   string         `json:"error,omitempty"`
	Version uint64         `json:"version"`
	Items   []T            `json:"items"`
}

type ConversationsPayload struct {
	ViewPayload[model.Conversation]
	UnreadTotal int `json:"unread_total"`
}

type NotificationsPayload struct {
	ViewPayload[model.Notification]
	UnreadCount int `json:"unread_count"`
}

type ThreadPayload struct {
	ViewPayload[model.Message]
	ConversationID string `json:"conversation_id,omitempty"`
}

type PermissionPayload struct {
	Permission livesync.Permission `json:"permission"`
}

type ConversationOpenedPayload struct {
	Ref            string `json:"ref,omitempty"`
	ConversationID string `json:"conversation_id"`
}

type AckPayload struct {
	Ref    string    `json:"ref,omitempty"`
	Action EventType `json:"action"`
}

type ErrorPayload struct {
	Ref     string    `json:"ref,omitempty"`
	Action  EventType `json:"action,omitempty"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

func viewPayload[T any](snap livesync.Snapshot[T]) ViewPayload[T] {
	p := ViewPayload[T]{State: snap.State, Version: snap.Version, Items: snap.Items}
	if p.Items == nil {
		p.Items = []T{}
	}
	if snap.Err != nil {
		p.Error = snap.Err.Error()
	}
	return p
}
