package conversation

import "time"

// Transcript is the archived record of one relay session.
type Transcript struct {
	SessionID string    `json:"sessionId"`
	UserName  string    `json:"userName,omitempty"`
	Sections  []string  `json:"sections,omitempty"`
	Messages  []Message `json:"messages"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
