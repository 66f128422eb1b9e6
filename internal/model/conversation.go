package model

import "time"

// Conversation is a private two-party thread. UnreadCount and OtherUser are
// derived per viewer and never written back.
type Conversation struct {
	ID            string     `json:"id"`
	Participant1  string     `json:"participant_1"`
	Participant2  string     `json:"participant_2"`
	LastMessage   string     `json:"last_message,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`

	UnreadCount int      `json:"unread_count"`
	OtherUser   *Profile `json:"other_user,omitempty"`
}

func (c Conversation) Key() string { return c.ID }

// OtherParticipant returns the participant id that is not viewerID.
func (c Conversation) OtherParticipant(viewerID string) string {
	if c.Participant1 == viewerID {
		return c.Participant2
	}
	return c.Participant1
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID string) bool {
	return c.Participant1 == userID || c.Participant2 == userID
}
