package conversation

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	convmodel "github.com/zhouzirui/persona-relay/backend/internal/model/conversation"
	"github.com/zhouzirui/persona-relay/backend/internal/model/relay"
	"github.com/zhouzirui/persona-relay/backend/internal/service/archive"
	"github.com/zhouzirui/persona-relay/backend/internal/service/speech"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fakeTransport struct {
	mu     sync.Mutex
	events []relay.Outbound
}

func (t *fakeTransport) Send(evt relay.Outbound) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, evt)
	return nil
}

func (t *fakeTransport) snapshot() []relay.Outbound {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]relay.Outbound(nil), t.events...)
}

func (t *fakeTransport) lines() []string {
	var out []string
	for _, evt := range t.snapshot() {
		if tr, ok := evt.(relay.Transcription); ok {
			out = append(out, tr.Line())
		}
	}
	return out
}

type fakeRecognizer struct {
	mu     sync.Mutex
	frames []string
	closed bool
}

func (r *fakeRecognizer) Send(frame string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return speech.ErrBridgeClosed
	}
	r.frames = append(r.frames, frame)
	return nil
}

func (r *fakeRecognizer) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed
}

func (r *fakeRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type fakeSynth struct {
	mu       sync.Mutex
	events   speech.SynthesisEvents
	spoken   []string
	frames   int
	clears   int
	closed   bool
	speakErr error
	// beforeSpeak runs once, inside the next Speak call, before the context is checked.
	beforeSpeak func()
}

func (f *fakeSynth) Speak(ctx context.Context, utterance uint64, text string) error {
	f.mu.Lock()
	hook := f.beforeSpeak
	f.beforeSpeak = nil
	speakErr := f.speakErr
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if speakErr != nil {
		return speakErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	f.spoken = append(f.spoken, text)
	frames := f.frames
	f.mu.Unlock()

	for i := 0; i < frames; i++ {
		f.events.OnFrame(utterance, base64.StdEncoding.EncodeToString([]byte(text)))
	}
	return nil
}

func (f *fakeSynth) Clear() error {
	f.mu.Lock()
	f.clears++
	f.mu.Unlock()
	return nil
}

func (f *fakeSynth) Speaking() bool { return false }

func (f *fakeSynth) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSynth) spokenTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

// emit pushes a frame as if it arrived late from the provider.
func (f *fakeSynth) emit(utterance uint64, payload string) {
	f.events.OnFrame(utterance, payload)
}

type fakeSpeech struct {
	recognizer *fakeRecognizer
	synth      *fakeSynth
	events     speech.RecognizerEvents
	openErr    error
}

func newFakeSpeech(frames int) *fakeSpeech {
	return &fakeSpeech{recognizer: &fakeRecognizer{}, synth: &fakeSynth{frames: frames}}
}

func (f *fakeSpeech) OpenRecognizer(ctx context.Context, sessionID string, events speech.RecognizerEvents) (speech.Recognizer, error) {
	f.events = events
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.recognizer, nil
}

func (f *fakeSpeech) NewSynthesizer(sessionID string, events speech.SynthesisEvents) speech.Synthesizer {
	f.synth.events = events
	return f.synth
}

type generateCall struct {
	history []convmodel.Message
	note    string
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls []generateCall
	fn    func(ctx context.Context, call int) (string, error)
}

func (g *fakeGenerator) Generate(ctx context.Context, history []convmodel.Message, note string) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, generateCall{history: history, note: note})
	n := len(g.calls)
	g.mu.Unlock()
	return g.fn(ctx, n)
}

func (g *fakeGenerator) snapshot() []generateCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]generateCall(nil), g.calls...)
}

func replies(texts ...string) *fakeGenerator {
	return &fakeGenerator{fn: func(ctx context.Context, call int) (string, error) {
		if call > len(texts) {
			return texts[len(texts)-1], nil
		}
		return texts[call-1], nil
	}}
}

type harness struct {
	manager   *Manager
	session   *Session
	transport *fakeTransport
	speech    *fakeSpeech
	generator *fakeGenerator
	archive   *archive.MemoryStore
}

func newHarness(t *testing.T, gen *fakeGenerator, frames int, mutate func(*Options)) *harness {
	t.Helper()

	h := &harness{
		transport: &fakeTransport{},
		speech:    newFakeSpeech(frames),
		generator: gen,
		archive:   archive.NewMemoryStore(),
	}
	opts := Options{BargeIn: DefaultBargeInPolicy()}
	if mutate != nil {
		mutate(&opts)
	}
	h.manager = NewManager(Dependencies{
		Speech:    h.speech,
		Generator: gen,
		Archive:   h.archive,
	}, opts)
	session, err := h.manager.Open(context.Background(), "sess-1", h.transport)
	require.NoError(t, err)
	h.session = session
	t.Cleanup(h.session.Close)
	return h
}

func (h *harness) start() {
	h.session.Handle(relay.Start{
		User:         relay.User{Name: "Ana"},
		Sections:     []string{"Background"},
		SystemPrompt: "You are an interviewer.",
	})
}

func (h *harness) waitLines(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.transport.lines()) >= n }, waitFor, tick)
	return h.transport.lines()
}

func indexOf(events []relay.Outbound, match func(relay.Outbound) bool, from int) int {
	for i := from; i < len(events); i++ {
		if match(events[i]) {
			return i
		}
	}
	return -1
}

func isMedia(evt relay.Outbound) bool {
	_, ok := evt.(relay.Media)
	return ok
}

func isClear(evt relay.Outbound) bool {
	_, ok := evt.(relay.Clear)
	return ok
}

func TestStartGreetsCandidate(t *testing.T) {
	h := newHarness(t, replies("Hello Ana, welcome."), 2, nil)
	h.start()

	lines := h.waitLines(t, 1)
	assert.Equal(t, []string{"Interviewer: Hello Ana, welcome."}, lines)
	assert.Equal(t, []string{"Hello Ana, welcome."}, h.speech.synth.spokenTexts())

	calls := h.generator.snapshot()
	require.Len(t, calls, 1)
	assert.Empty(t, calls[0].note)
	require.Len(t, calls[0].history, 1)
	assert.Equal(t, convmodel.RoleSystem, calls[0].history[0].Role)

	history := h.session.History()
	require.Len(t, history, 2)
	assert.Equal(t, convmodel.RoleAssistant, history[1].Role)

	events := h.transport.snapshot()
	assert.True(t, isMedia(events[0]), "audio of the greeting is forwarded")
}

func TestRepeatedStartKeepsSingleSystemMessage(t *testing.T) {
	h := newHarness(t, replies("Hello."), 0, nil)
	h.start()
	h.session.Handle(relay.Start{SystemPrompt: "another prompt"})
	h.waitLines(t, 1)

	system := 0
	for _, msg := range h.session.History() {
		if msg.Role == convmodel.RoleSystem {
			system++
		}
	}
	assert.Equal(t, 1, system)
	assert.Equal(t, "You are an interviewer.", h.session.History()[0].Content)
	assert.Len(t, h.generator.snapshot(), 1)
}

func TestStartWithoutPromptUsesBuilder(t *testing.T) {
	h := newHarness(t, replies("Hi."), 0, func(o *Options) {
		o.PromptBuilder = func(name string, sections []string) string {
			return "interview " + name + " about " + sections[0]
		}
	})
	h.session.Handle(relay.Start{User: relay.User{Name: "Bo"}, Sections: []string{"Goals"}})
	h.waitLines(t, 1)

	assert.Equal(t, "interview Bo about Goals", h.session.History()[0].Content)
}

func TestUtteranceRunsTurn(t *testing.T) {
	clock := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	now := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}

	h := newHarness(t, replies("Hello Ana.", "What kind of radios?"), 1, func(o *Options) {
		o.Clock = now
	})
	h.start()
	h.waitLines(t, 1)

	clockMu.Lock()
	clock = clock.Add(3*time.Minute + 20*time.Second)
	clockMu.Unlock()

	h.speech.events.OnUtterance("I build radios.")
	lines := h.waitLines(t, 3)
	assert.Equal(t, []string{
		"Interviewer: Hello Ana.",
		"Candidate: I build radios.",
		"Interviewer: What kind of radios?",
	}, lines)

	calls := h.generator.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "[Elapsed Time: 3 min] Candidate: I build radios.", calls[1].note)
	assert.Equal(t, convmodel.RoleUser, calls[1].history[len(calls[1].history)-1].Role)

	history := h.session.History()
	require.Len(t, history, 4)
	assert.Equal(t, []convmodel.Role{
		convmodel.RoleSystem, convmodel.RoleAssistant, convmodel.RoleUser, convmodel.RoleAssistant,
	}, []convmodel.Role{history[0].Role, history[1].Role, history[2].Role, history[3].Role})

	// user line precedes the assistant audio of the same turn
	events := h.transport.snapshot()
	candidate := indexOf(events, func(e relay.Outbound) bool {
		tr, ok := e.(relay.Transcription)
		return ok && tr.Speaker == convmodel.SpeakerCandidate
	}, 0)
	require.NotEqual(t, -1, candidate)
	clearIdx := indexOf(events, isClear, 0)
	assert.True(t, clearIdx < candidate)
	media := indexOf(events, isMedia, candidate)
	require.NotEqual(t, -1, media)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("What kind of radios?")), events[media].(relay.Media).Payload)
}

func TestFragmentInterruptsAndSuppressesAudio(t *testing.T) {
	h := newHarness(t, replies("A long answer."), 1, nil)
	h.start()
	h.waitLines(t, 1)

	h.speech.events.OnFragment("wait")
	assert.True(t, h.session.Interrupted())

	h.speech.synth.emit(1, "stale-1")
	h.speech.synth.emit(1, "stale-2")

	events := h.transport.snapshot()
	clearIdx := indexOf(events, isClear, 0)
	require.NotEqual(t, -1, clearIdx)
	assert.Equal(t, -1, indexOf(events, isMedia, clearIdx+1), "no media may follow a clear")
}

func TestBargeInPolicyDisabled(t *testing.T) {
	h := newHarness(t, replies("Hello."), 1, func(o *Options) {
		o.BargeIn = BargeInPolicy{Enabled: false}
	})
	h.start()
	h.waitLines(t, 1)

	h.speech.events.OnFragment("hmm")
	assert.False(t, h.session.Interrupted())
	assert.Equal(t, -1, indexOf(h.transport.snapshot(), isClear, 0))
}

func TestEmptyUtteranceIsIgnored(t *testing.T) {
	h := newHarness(t, replies("Hello."), 0, nil)
	h.start()
	h.waitLines(t, 1)

	h.speech.events.OnUtterance("   ")
	time.Sleep(20 * time.Millisecond)

	for _, line := range h.transport.lines() {
		assert.NotEqual(t, "Candidate: ", line)
		assert.NotEqual(t, "Interviewer: ", line)
	}
	assert.Len(t, h.generator.snapshot(), 1)
}

func TestGeneratorFailureUsesFallback(t *testing.T) {
	gen := &fakeGenerator{fn: func(ctx context.Context, call int) (string, error) {
		return "", errors.New("model offline")
	}}
	h := newHarness(t, gen, 0, func(o *Options) { o.FallbackReply = "Could you repeat that?" })
	h.start()

	lines := h.waitLines(t, 1)
	assert.Equal(t, []string{"Interviewer: Could you repeat that?"}, lines)
	assert.Equal(t, []string{"Could you repeat that?"}, h.speech.synth.spokenTexts())
}

func TestNewUtteranceSupersedesInflightTurn(t *testing.T) {
	firstStarted := make(chan struct{})
	gen := &fakeGenerator{fn: func(ctx context.Context, call int) (string, error) {
		switch call {
		case 1:
			return "Hello.", nil
		case 2:
			close(firstStarted)
			<-ctx.Done()
			return "stale reply", nil
		default:
			return "Fresh reply.", nil
		}
	}}
	h := newHarness(t, gen, 0, nil)
	h.start()
	h.waitLines(t, 1)

	h.speech.events.OnUtterance("first answer")
	<-firstStarted
	h.speech.events.OnUtterance("second answer")

	lines := h.waitLines(t, 4)
	assert.Equal(t, []string{
		"Interviewer: Hello.",
		"Candidate: first answer",
		"Candidate: second answer",
		"Interviewer: Fresh reply.",
	}, lines)
	assert.NotContains(t, h.speech.synth.spokenTexts(), "stale reply")

	for _, msg := range h.session.History() {
		assert.NotEqual(t, "stale reply", msg.Content)
	}
}

func TestMediaIsForwardedAndCaptured(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, replies("Hello."), 0, func(o *Options) {
		o.CaptureSeconds = 1
		o.DebugAudioDir = dir
	})

	frame := base64.StdEncoding.EncodeToString([]byte{0xFF, 0xFE, 0xFD})
	h.session.Handle(relay.Media{Payload: frame})
	h.session.Handle(relay.Media{Payload: "%%%"})

	h.speech.recognizer.mu.Lock()
	assert.Equal(t, []string{frame, "%%%"}, h.speech.recognizer.frames)
	h.speech.recognizer.mu.Unlock()
	assert.Equal(t, 3, h.session.capture.Len())

	h.session.Close()
	wav, err := os.ReadFile(filepath.Join(dir, "sess-1.wav"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFE, 0xFD}, wav[44:])
}

func TestRecognizerUnavailableDropsMedia(t *testing.T) {
	h := &harness{transport: &fakeTransport{}, speech: newFakeSpeech(0)}
	h.speech.openErr = errors.New("dial failed")
	m := NewManager(Dependencies{Speech: h.speech, Generator: replies("hi")}, Options{})
	s, err := m.Open(context.Background(), "", h.transport)
	require.NoError(t, err)
	defer s.Close()

	assert.NotEmpty(t, s.ID())
	assert.NotPanics(t, func() { s.Handle(relay.Media{Payload: "AAAA"}) })
}

func TestCloseArchivesAndDeregisters(t *testing.T) {
	h := newHarness(t, replies("Hello."), 0, nil)
	h.start()
	h.waitLines(t, 1)

	_, err := h.manager.Get("sess-1")
	require.NoError(t, err)

	h.session.Close()
	h.session.Close()

	h.speech.synth.mu.Lock()
	assert.True(t, h.speech.synth.closed)
	h.speech.synth.mu.Unlock()
	assert.False(t, h.speech.recognizer.IsOpen())

	_, err = h.manager.Get("sess-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	transcript, err := h.archive.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", transcript.UserName)
	assert.Len(t, transcript.Messages, 2)

	before := len(h.transport.snapshot())
	h.speech.events.OnUtterance("too late")
	h.speech.events.OnFragment("too late")
	assert.Len(t, h.transport.snapshot(), before)
}

func TestStartDelayHonoursClose(t *testing.T) {
	h := newHarness(t, replies("Hello."), 0, func(o *Options) { o.StartDelay = time.Hour })
	h.start()
	h.session.Close()
	assert.Empty(t, h.generator.snapshot())
}

func TestManagerRejectsLiveSessionID(t *testing.T) {
	sp := newFakeSpeech(0)
	m := NewManager(Dependencies{Speech: sp, Generator: replies("hi")}, Options{})

	first, err := m.Open(context.Background(), "dup", &fakeTransport{})
	require.NoError(t, err)
	defer first.Close()

	second, err := m.Open(context.Background(), "dup", &fakeTransport{})
	assert.ErrorIs(t, err, ErrSessionExists)
	assert.Nil(t, second)

	assert.False(t, first.closed.Load())
	got, err := m.Get("dup")
	require.NoError(t, err)
	assert.Same(t, first, got)
	assert.Equal(t, 1, m.Active())

	// id 释放后可以重新使用
	first.Close()
	again, err := m.Open(context.Background(), "dup", &fakeTransport{})
	require.NoError(t, err)
	defer again.Close()
	assert.Equal(t, 1, m.Active())
}

func TestManagerRejectsArchivedSessionID(t *testing.T) {
	h := newHarness(t, replies("Hello."), 0, nil)
	h.start()
	h.waitLines(t, 1)
	h.session.Close()

	_, err := h.manager.Open(context.Background(), "sess-1", &fakeTransport{})
	assert.ErrorIs(t, err, ErrSessionExists)

	transcript, err := h.archive.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", transcript.UserName)
	assert.Len(t, transcript.Messages, 2)
}

func TestBargeInPolicyThreshold(t *testing.T) {
	p := BargeInPolicy{Enabled: true, MinChars: 4}
	assert.False(t, p.ShouldInterrupt(" uh "))
	assert.True(t, p.ShouldInterrupt("wait"))
	assert.True(t, p.ShouldInterrupt("ñame"))
	assert.False(t, BargeInPolicy{}.ShouldInterrupt("stop talking"))
	assert.True(t, DefaultBargeInPolicy().ShouldInterrupt("a"))
	assert.False(t, DefaultBargeInPolicy().ShouldInterrupt(" "))
}

func TestCaptureBufferKeepsNewestAudio(t *testing.T) {
	c := newCaptureBuffer(1)
	big := make([]byte, 8000)
	for i := range big {
		big[i] = 1
	}
	c.Write(big)
	c.Write([]byte{2, 3})

	data := c.Drain()
	require.Len(t, data, 8000)
	assert.Equal(t, []byte{2, 3}, data[len(data)-2:])
	assert.Equal(t, 0, c.Len())

	var disabled *captureBuffer
	disabled.Write([]byte{1})
	assert.Nil(t, disabled.Drain())
	assert.Nil(t, newCaptureBuffer(0))
}

func TestManagerWithoutGeneratorSpeaksFallback(t *testing.T) {
	transport := &fakeTransport{}
	m := NewManager(Dependencies{Speech: newFakeSpeech(0)}, Options{FallbackReply: "One moment please."})
	s, err := m.Open(context.Background(), "", transport)
	require.NoError(t, err)
	defer s.Close()

	s.Handle(relay.Start{SystemPrompt: "p"})
	require.Eventually(t, func() bool { return len(transport.lines()) == 1 }, waitFor, tick)
	assert.Equal(t, "Interviewer: One moment please.", transport.lines()[0])
}

func TestLateFrameOfInterruptedReplyIsSuppressed(t *testing.T) {
	h := newHarness(t, replies("Hello.", "Reply."), 0, nil)
	h.start()
	h.waitLines(t, 1)

	h.speech.events.OnUtterance("answer")
	lines := h.waitLines(t, 3)
	require.Equal(t, "Interviewer: Reply.", lines[2])

	// the greeting was utterance 1, the reply is utterance 2
	h.speech.synth.emit(1, "stale-greeting-frame")
	h.speech.synth.emit(2, "reply-frame")

	var payloads []string
	for _, evt := range h.transport.snapshot() {
		if m, ok := evt.(relay.Media); ok {
			payloads = append(payloads, m.Payload)
		}
	}
	assert.Equal(t, []string{"reply-frame"}, payloads)
}

func TestCancelledTurnNeitherSpeaksNorShowsReply(t *testing.T) {
	h := newHarness(t, replies("Hello.", "Reply."), 1, nil)
	h.speech.synth.beforeSpeak = func() {
		// the candidate starts talking while the greeting is being handed to synthesis
		h.speech.events.OnUtterance("wait")
	}
	h.start()

	lines := h.waitLines(t, 2)
	assert.Equal(t, []string{"Candidate: wait", "Interviewer: Reply."}, lines)
	assert.Equal(t, []string{"Reply."}, h.speech.synth.spokenTexts())

	for _, msg := range h.session.History() {
		assert.NotEqual(t, "Hello.", msg.Content)
	}
}

func TestGreetingSkippedWhenCandidateSpeaksFirst(t *testing.T) {
	h := newHarness(t, replies("Early reply."), 0, func(o *Options) { o.StartDelay = 50 * time.Millisecond })
	h.start()
	h.speech.events.OnUtterance("I am ready")

	lines := h.waitLines(t, 2)
	assert.Equal(t, []string{"Candidate: I am ready", "Interviewer: Early reply."}, lines)

	time.Sleep(100 * time.Millisecond)
	calls := h.generator.snapshot()
	require.Len(t, calls, 1)
	assert.NotEmpty(t, calls[0].note)
	assert.False(t, h.session.startTurn("", true), "no greeting once a turn has started")
}
