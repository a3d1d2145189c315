package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event names used on the wire.
const (
	EventStart         = "start"
	EventMedia         = "media"
	EventClear         = "clear"
	EventTranscription = "transcription"
)

var (
	ErrUnknownEvent  = errors.New("unknown event")
	ErrMissingStart  = errors.New("start event without start payload")
	ErrMissingMedia  = errors.New("media event without media payload")
	ErrEmptyEnvelope = errors.New("message without event name")
)

// Inbound is a message sent by the browser. The set of implementations is closed: Start and Media.
type Inbound interface {
	inbound()
	EventName() string
}

// Outbound is a message sent to the browser. The set of implementations is closed: Clear, Media and Transcription.
type Outbound interface {
	outbound()
	EventName() string
}

// User describes the interviewee.
type User struct {
	Name string `json:"name"`
}

// Start initializes a session.
type Start struct {
	User         User     `json:"user"`
	Sections     []string `json:"sections"`
	SystemPrompt string   `json:"system_prompt"`
}

// MediaPayload carries one base64 audio frame.
type MediaPayload struct {
	Payload string `json:"payload"`
}

// Media is one audio frame, inbound (mu-law 8kHz) or outbound (PCM16).
type Media struct {
	Payload string
}

// Clear tells the client to flush any queued playback audio.
type Clear struct{}

// Transcription is a "<Speaker>: <text>" line for display.
type Transcription struct {
	Speaker string
	Text    string
}

func (Start) inbound()          {}
func (Media) inbound()          {}
func (Media) outbound()         {}
func (Clear) outbound()         {}
func (Transcription) outbound() {}

func (Start) EventName() string         { return EventStart }
func (Media) EventName() string         { return EventMedia }
func (Clear) EventName() string         { return EventClear }
func (Transcription) EventName() string { return EventTranscription }

// Line renders the transcription the way the client displays it.
func (t Transcription) Line() string {
	return fmt.Sprintf("%s: %s", t.Speaker, t.Text)
}

type envelope struct {
	Event         string          `json:"event"`
	Start         json.RawMessage `json:"start,omitempty"`
	Media         json.RawMessage `json:"media,omitempty"`
	Transcription string          `json:"transcription,omitempty"`
}

// DecodeInbound parses one client message into Start or Media.
func DecodeInbound(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Event {
	case EventStart:
		if len(env.Start) == 0 || string(env.Start) == "null" {
			return nil, ErrMissingStart
		}
		var start Start
		if err := json.Unmarshal(env.Start, &start); err != nil {
			return nil, fmt.Errorf("decode start payload: %w", err)
		}
		return start, nil
	case EventMedia:
		if len(env.Media) == 0 || string(env.Media) == "null" {
			return nil, ErrMissingMedia
		}
		var media MediaPayload
		if err := json.Unmarshal(env.Media, &media); err != nil {
			return nil, fmt.Errorf("decode media payload: %w", err)
		}
		return Media{Payload: media.Payload}, nil
	case "":
		return nil, ErrEmptyEnvelope
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

// EncodeOutbound renders a server message in the wire format.
func EncodeOutbound(evt Outbound) ([]byte, error) {
	switch e := evt.(type) {
	case Clear:
		return json.Marshal(struct {
			Event string `json:"event"`
		}{Event: EventClear})
	case Media:
		return json.Marshal(struct {
			Event string       `json:"event"`
			Media MediaPayload `json:"media"`
		}{Event: EventMedia, Media: MediaPayload{Payload: e.Payload}})
	case Transcription:
		return json.Marshal(struct {
			Event         string `json:"event"`
			Transcription string `json:"transcription"`
		}{Event: EventTranscription, Transcription: e.Line()})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, evt)
	}
}

// DecodeOutbound parses a server message. Used by clients of the relay.
func DecodeOutbound(data []byte) (Outbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Event {
	case EventClear:
		return Clear{}, nil
	case EventMedia:
		var media MediaPayload
		if len(env.Media) > 0 {
			if err := json.Unmarshal(env.Media, &media); err != nil {
				return nil, fmt.Errorf("decode media payload: %w", err)
			}
		}
		return Media{Payload: media.Payload}, nil
	case EventTranscription:
		speaker, text := splitLine(env.Transcription)
		return Transcription{Speaker: speaker, Text: text}, nil
	case "":
		return nil, ErrEmptyEnvelope
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

func splitLine(line string) (string, string) {
	speaker, text, ok := strings.Cut(line, ": ")
	if !ok {
		return "", line
	}
	return speaker, text
}
