package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhouzirui/persona-relay/backend/internal/metrics"
	convmodel "github.com/zhouzirui/persona-relay/backend/internal/model/conversation"
	"github.com/zhouzirui/persona-relay/backend/internal/model/relay"
	"github.com/zhouzirui/persona-relay/backend/internal/service/archive"
	"github.com/zhouzirui/persona-relay/backend/internal/service/audio"
	"github.com/zhouzirui/persona-relay/backend/internal/service/speech"
)

const defaultFallbackReply = "Sorry, I lost my train of thought for a moment. Could you say that again?"

// Transport 向已连接客户端下发服务端事件
type Transport interface {
	Send(evt relay.Outbound) error
}

// Generator 根据当前对话生成下一句面试官回复
type Generator interface {
	Generate(ctx context.Context, history []convmodel.Message, note string) (string, error)
}

// SpeechProvider 为每个会话创建语音桥接
type SpeechProvider interface {
	OpenRecognizer(ctx context.Context, sessionID string, events speech.RecognizerEvents) (speech.Recognizer, error)
	NewSynthesizer(sessionID string, events speech.SynthesisEvents) speech.Synthesizer
}

// Dependencies 所有会话共享的依赖
type Dependencies struct {
	Speech    SpeechProvider
	Generator Generator
	Archive   archive.Store
	Metrics   *metrics.Metrics
}

// Options 会话行为配置
type Options struct {
	StartDelay     time.Duration
	BargeIn        BargeInPolicy
	FallbackReply  string
	CaptureSeconds int
	DebugAudioDir  string
	// PromptBuilder 客户端未提供系统提示词时生成默认提示词
	PromptBuilder func(userName string, sections []string) string
	Clock         func() time.Time
}

// Session 面试会话，持有客户端连接、两条语音桥接与对话历史
type Session struct {
	id        string
	transport Transport
	deps      Dependencies
	opts      Options
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	recognizer speech.Recognizer
	synth      speech.Synthesizer
	capture    *captureBuffer

	stopStream  atomic.Bool
	botSpeaking atomic.Bool
	closed      atomic.Bool
	// emitMu 串行化打断与音频转发，保证 clear 之后不再有旧音频帧
	emitMu sync.Mutex
	// playing 当前允许下发音频的 utterance，打断后为 0；由 emitMu 保护
	playing uint64

	mu         sync.Mutex
	history    []convmodel.Message
	userName   string
	sections   []string
	started    bool
	createdAt  time.Time
	turnSeq    uint64
	turnCancel context.CancelFunc

	// turnMu 由正在执行的回合持有
	turnMu sync.Mutex
	tasks  sync.WaitGroup

	closeOnce sync.Once
	onClose   func()
}

func newSession(ctx context.Context, id string, transport Transport, deps Dependencies, opts Options) *Session {
	if opts.FallbackReply == "" {
		opts.FallbackReply = defaultFallbackReply
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:        id,
		transport: transport,
		deps:      deps,
		opts:      opts,
		now:       now,
		ctx:       sessionCtx,
		cancel:    cancel,
		capture:   newCaptureBuffer(opts.CaptureSeconds),
		createdAt: now(),
	}
	return s
}

// connect 建立语音桥接；识别连接失败时会话继续运行，只是没有语音输入
func (s *Session) connect(ctx context.Context) {
	s.synth = s.deps.Speech.NewSynthesizer(s.id, speech.SynthesisEvents{
		OnFrame: s.forwardFrame,
		OnIdle:  func() { s.botSpeaking.Store(false) },
	})

	recognizer, err := s.deps.Speech.OpenRecognizer(ctx, s.id, speech.RecognizerEvents{
		OnFragment:  s.handleFragment,
		OnUtterance: s.handleUtterance,
	})
	if err != nil {
		log.Printf("[session] id=%s transcription unavailable: %v", s.id, err)
		return
	}
	s.recognizer = recognizer
}

func (s *Session) ID() string {
	return s.id
}

// Handle 分发一条已解码的客户端事件
func (s *Session) Handle(evt relay.Inbound) {
	switch e := evt.(type) {
	case relay.Start:
		s.HandleStart(e)
	case relay.Media:
		s.HandleMedia(e)
	}
}

// HandleStart 记录面试配置并安排开场白；重复的 start 事件被忽略
func (s *Session) HandleStart(start relay.Start) {
	if s.closed.Load() {
		return
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		log.Printf("[session] id=%s ignoring repeated start", s.id)
		return
	}
	s.started = true
	s.userName = strings.TrimSpace(start.User.Name)
	s.sections = append([]string(nil), start.Sections...)

	prompt := start.SystemPrompt
	if strings.TrimSpace(prompt) == "" && s.opts.PromptBuilder != nil {
		prompt = s.opts.PromptBuilder(s.userName, s.sections)
	}
	s.history = append(s.history, convmodel.Message{
		Role:      convmodel.RoleSystem,
		Content:   prompt,
		CreatedAt: s.now(),
	})
	s.mu.Unlock()

	log.Printf("[session] id=%s started, user=%q, sections=%d", s.id, s.userName, len(s.sections))

	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()

		if s.opts.StartDelay > 0 {
			timer := time.NewTimer(s.opts.StartDelay)
			defer timer.Stop()
			select {
			case <-s.ctx.Done():
				return
			case <-timer.C:
			}
		}

		if !s.startTurn("", true) {
			log.Printf("[session] id=%s candidate spoke first, skipping greeting", s.id)
		}
	}()
}

// HandleMedia 将一帧上行音频转发给识别桥接，面试官未说话时同时留存到采集缓冲
func (s *Session) HandleMedia(media relay.Media) {
	if s.closed.Load() {
		return
	}
	s.deps.Metrics.FrameReceived()

	if s.capture != nil && !s.botSpeaking.Load() {
		if raw, err := audio.DecodeInbound(media.Payload); err == nil {
			s.capture.Write(raw)
		}
	}

	if s.recognizer == nil {
		s.deps.Metrics.FrameDropped("no_recognizer")
		return
	}

	if err := s.recognizer.Send(media.Payload); err != nil {
		switch {
		case errors.Is(err, speech.ErrBridgeClosed):
			s.deps.Metrics.FrameDropped("closed")
		case errors.Is(err, audio.ErrInvalidPayload):
			s.deps.Metrics.FrameDropped("decode")
			log.Printf("[session] id=%s dropping malformed frame: %v", s.id, err)
		default:
			s.deps.Metrics.FrameDropped("upstream")
		}
	}
}

// Interrupt 打断面试官：置位停止标记并通知客户端清空播放队列
func (s *Session) Interrupt() {
	s.emitMu.Lock()
	s.stopStream.Store(true)
	s.playing = 0
	s.send(relay.Clear{})
	s.emitMu.Unlock()

	s.deps.Metrics.Interrupted()

	if s.synth != nil && s.botSpeaking.Load() {
		if err := s.synth.Clear(); err != nil {
			log.Printf("[session] id=%s clear synthesis: %v", s.id, err)
		}
	}
}

func (s *Session) handleFragment(text string) {
	if s.closed.Load() {
		return
	}
	if s.opts.BargeIn.ShouldInterrupt(text) {
		s.Interrupt()
	}
}

func (s *Session) handleUtterance(text string) {
	text = strings.TrimSpace(text)
	if text == "" || s.closed.Load() {
		return
	}
	s.deps.Metrics.UtteranceFinalized()
	log.Printf("[session] id=%s candidate: %s", s.id, text)

	// 进行中的回合不能在打断之后重新放开播放
	s.cancelTurn()
	s.Interrupt()
	s.emitTranscription(convmodel.SpeakerCandidate, text)

	s.mu.Lock()
	s.history = append(s.history, convmodel.Message{
		Role:      convmodel.RoleUser,
		Content:   text,
		CreatedAt: s.now(),
	})
	elapsed := int(s.now().Sub(s.createdAt) / time.Minute)
	s.mu.Unlock()

	s.startTurn(FormatNote(elapsed, text), false)
}

// FormatNote 生成随历史一起发给模型的回合提示
func FormatNote(elapsedMinutes int, text string) string {
	return fmt.Sprintf("[Elapsed Time: %d min] %s: %s", elapsedMinutes, convmodel.SpeakerCandidate, text)
}

func (s *Session) cancelTurn() {
	s.mu.Lock()
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	s.mu.Unlock()
}

// startTurn 取消进行中的回合并启动新回合；firstOnly 时若已有回合开始则不启动，
// 检查与启动在同一临界区内完成
func (s *Session) startTurn(note string, firstOnly bool) bool {
	s.mu.Lock()
	if firstOnly && s.turnSeq > 0 {
		s.mu.Unlock()
		return false
	}
	if s.turnCancel != nil {
		s.turnCancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.turnCancel = cancel
	s.turnSeq++
	seq := s.turnSeq
	s.mu.Unlock()

	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		defer cancel()
		s.runTurn(ctx, seq, note)
	}()
	return true
}

func (s *Session) runTurn(ctx context.Context, seq uint64, note string) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	if ctx.Err() != nil {
		s.deps.Metrics.TurnFinished("superseded")
		return
	}

	reply, err := s.deps.Generator.Generate(ctx, s.History(), note)
	if ctx.Err() != nil {
		log.Printf("[session] id=%s turn %d superseded", s.id, seq)
		s.deps.Metrics.TurnFinished("superseded")
		return
	}
	outcome := "spoken"
	if err != nil {
		log.Printf("[session] id=%s generation failed, using fallback: %v", s.id, err)
		reply = s.opts.FallbackReply
		outcome = "fallback"
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		s.deps.Metrics.TurnFinished("empty")
		return
	}

	// 重新放开播放前确认本轮未被打断
	s.emitMu.Lock()
	if ctx.Err() != nil {
		s.emitMu.Unlock()
		s.deps.Metrics.TurnFinished("superseded")
		return
	}
	s.stopStream.Store(false)
	s.playing = seq
	s.botSpeaking.Store(true)
	s.emitMu.Unlock()

	if err := s.synth.Speak(ctx, seq, reply); err != nil {
		s.botSpeaking.Store(false)
		if ctx.Err() != nil {
			s.deps.Metrics.TurnFinished("superseded")
			return
		}
		log.Printf("[session] id=%s speak failed: %v", s.id, err)
		outcome = "unspoken"
	}

	// 被打断的回复既不入历史也不显示
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if ctx.Err() != nil {
		s.deps.Metrics.TurnFinished("superseded")
		return
	}
	s.mu.Lock()
	s.history = append(s.history, convmodel.Message{
		Role:      convmodel.RoleAssistant,
		Content:   reply,
		CreatedAt: s.now(),
	})
	s.mu.Unlock()
	s.emitTranscription(convmodel.SpeakerInterviewer, reply)

	s.deps.Metrics.TurnFinished(outcome)
	log.Printf("[session] id=%s interviewer: %s", s.id, reply)
}

// forwardFrame 下发一帧合成音频；已被打断或属于更早 utterance 的帧直接丢弃
func (s *Session) forwardFrame(utterance uint64, payload string) {
	if s.closed.Load() {
		return
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if s.stopStream.Load() || utterance != s.playing {
		s.deps.Metrics.FrameSuppressed()
		return
	}
	s.send(relay.Media{Payload: payload})
	s.deps.Metrics.FrameSent()
}

func (s *Session) emitTranscription(speaker, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	s.send(relay.Transcription{Speaker: speaker, Text: text})
}

func (s *Session) send(evt relay.Outbound) {
	if err := s.transport.Send(evt); err != nil {
		log.Printf("[session] id=%s send %s failed: %v", s.id, evt.EventName(), err)
	}
}

// History 返回对话历史的副本
func (s *Session) History() []convmodel.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]convmodel.Message(nil), s.history...)
}

// Transcript 生成用于归档的会话快照
func (s *Session) Transcript() convmodel.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return convmodel.Transcript{
		SessionID: s.id,
		UserName:  s.userName,
		Sections:  append([]string(nil), s.sections...),
		Messages:  append([]convmodel.Message(nil), s.history...),
		StartedAt: s.createdAt,
		UpdatedAt: s.now(),
	}
}

func (s *Session) Interrupted() bool {
	return s.stopStream.Load()
}

func (s *Session) BotSpeaking() bool {
	return s.botSpeaking.Load()
}

// Close 停止会话的全部工作，可重复调用
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()

		if s.recognizer != nil {
			if err := s.recognizer.Close(); err != nil {
				log.Printf("[session] id=%s close transcription: %v", s.id, err)
			}
		}
		if s.synth != nil {
			if err := s.synth.Close(); err != nil {
				log.Printf("[session] id=%s close synthesis: %v", s.id, err)
			}
		}
		s.tasks.Wait()

		s.archiveTranscript()
		s.dumpCapture()

		s.deps.Metrics.SessionEnded(s.now().Sub(s.createdAt))
		log.Printf("[session] id=%s closed", s.id)

		if s.onClose != nil {
			s.onClose()
		}
	})
}

// discard 释放未注册成功的会话的语音桥接
func (s *Session) discard() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		if s.recognizer != nil {
			_ = s.recognizer.Close()
		}
		if s.synth != nil {
			_ = s.synth.Close()
		}
	})
}

func (s *Session) archiveTranscript() {
	if s.deps.Archive == nil {
		return
	}

	transcript := s.Transcript()
	if len(transcript.Messages) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Archive.Save(ctx, transcript); err != nil {
		log.Printf("[session] id=%s archive transcript: %v", s.id, err)
	}
}

func (s *Session) dumpCapture() {
	if s.opts.DebugAudioDir == "" {
		return
	}
	data := s.capture.Drain()
	if len(data) == 0 {
		return
	}

	wav, err := audio.EncodeMuLawWAV(data, audio.TelephonyRate)
	if err != nil {
		log.Printf("[session] id=%s encode capture: %v", s.id, err)
		return
	}
	if err := os.MkdirAll(s.opts.DebugAudioDir, 0o755); err != nil {
		log.Printf("[session] id=%s create capture dir: %v", s.id, err)
		return
	}

	path := filepath.Join(s.opts.DebugAudioDir, s.id+".wav")
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		log.Printf("[session] id=%s write capture: %v", s.id, err)
		return
	}
	log.Printf("[session] id=%s wrote %d bytes of candidate audio to %s", s.id, len(data), path)
}
