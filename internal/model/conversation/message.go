package conversation

import "time"

// Role identifies the author of a history entry.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the interview history sent to the text generator.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Speaker labels used on transcription lines shown to the client.
const (
	SpeakerInterviewer = "Interviewer"
	SpeakerCandidate   = "Candidate"
)
