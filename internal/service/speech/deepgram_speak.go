package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/zhouzirui/persona-relay/backend/internal/metrics"
	speechmodel "github.com/zhouzirui/persona-relay/backend/internal/model/speech"
	"github.com/zhouzirui/persona-relay/backend/internal/service/audio"
)

type speakCommand struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type speakReply struct {
	Type        string `json:"type"`
	RequestID   string `json:"request_id,omitempty"`
	ModelName   string `json:"model_name,omitempty"`
	SequenceID  int    `json:"sequence_id,omitempty"`
	WarnCode    string `json:"warn_code,omitempty"`
	WarnMessage string `json:"warn_msg,omitempty"`
	ErrCode     string `json:"err_code,omitempty"`
	ErrMessage  string `json:"err_msg,omitempty"`
}

// SynthesisBridge Deepgram 流式合成桥接，连接在首次 Speak 时建立并复用
type SynthesisBridge struct {
	cfg       *speechmodel.SpeechConfig
	opts      ConnectionOptions
	sessionID string
	events    SynthesisEvents
	metrics   *metrics.Metrics

	mu       sync.Mutex // 保护 up
	up       *upstream
	speaking atomic.Bool
	closed   atomic.Bool

	// 服务端按序处理命令：pending 队首即当前音频所属的 utterance；
	// clearing 为真时（Clear 已发、Cleared 未到）到达的音频全部丢弃
	queueMu  sync.Mutex
	pending  []uint64
	clearing bool
}

// BuildSpeakURL 构造合成连接地址
func BuildSpeakURL(cfg *speechmodel.SpeechConfig) (string, error) {
	u, err := url.Parse(cfg.SpeakURL)
	if err != nil {
		return "", fmt.Errorf("parse speak url: %w", err)
	}

	q := u.Query()
	q.Set("model", resolveVoice(cfg.TTSVoice))
	q.Set("encoding", "mulaw")
	q.Set("sample_rate", strconv.Itoa(cfg.TTSRate))
	q.Set("container", "none")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NewSynthesisBridge 创建合成桥接，不立即建连
func NewSynthesisBridge(cfg *speechmodel.SpeechConfig, opts ConnectionOptions, sessionID string, events SynthesisEvents, m *metrics.Metrics) *SynthesisBridge {
	return &SynthesisBridge{
		cfg:       cfg,
		opts:      opts,
		sessionID: sessionID,
		events:    events,
		metrics:   m,
	}
}

// Speak 发送一段文本并请求立即合成，音频帧以 utterance 标记回调
func (b *SynthesisBridge) Speak(ctx context.Context, utterance uint64, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if b.closed.Load() {
		return ErrBridgeClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	up, err := b.ensureConnected(ctx)
	if err != nil {
		return err
	}

	b.queueMu.Lock()
	b.pending = append(b.pending, utterance)
	b.queueMu.Unlock()

	if err := up.writeJSON(speakCommand{Type: "Speak", Text: text}); err != nil {
		b.drop(up, err)
		return fmt.Errorf("send speak: %w", err)
	}
	if err := up.writeJSON(speakCommand{Type: "Flush"}); err != nil {
		b.drop(up, err)
		return fmt.Errorf("send flush: %w", err)
	}
	return nil
}

// Clear 丢弃服务端尚未下发的音频
func (b *SynthesisBridge) Clear() error {
	b.mu.Lock()
	up := b.up
	b.mu.Unlock()

	b.speaking.Store(false)
	if up == nil {
		return nil
	}

	b.queueMu.Lock()
	b.pending = nil
	b.clearing = true
	b.queueMu.Unlock()

	if err := up.writeJSON(speakCommand{Type: "Clear"}); err != nil {
		b.drop(up, err)
		return fmt.Errorf("send clear: %w", err)
	}
	return nil
}

func (b *SynthesisBridge) Speaking() bool {
	return b.speaking.Load()
}

// Close 幂等关闭
func (b *SynthesisBridge) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	up := b.up
	b.up = nil
	b.mu.Unlock()

	b.speaking.Store(false)
	if up == nil {
		return nil
	}
	_ = up.writeJSON(speakCommand{Type: "Close"})
	log.Printf("[tts] session=%s closed", b.sessionID)
	return up.shutdown()
}

func (b *SynthesisBridge) ensureConnected(ctx context.Context) (*upstream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.up != nil {
		return b.up, nil
	}

	header, err := authHeader(b.cfg)
	if err != nil {
		return nil, err
	}
	target, err := BuildSpeakURL(b.cfg)
	if err != nil {
		return nil, err
	}

	conn, err := connectWithRetry(ctx, b.opts, target, header)
	if err != nil {
		b.metrics.UpstreamError("tts")
		return nil, fmt.Errorf("connect synthesis: %w", err)
	}
	if b.closed.Load() {
		conn.Close()
		return nil, ErrBridgeClosed
	}

	b.up = newUpstream(conn, b.opts.WriteTimeout)
	log.Printf("[tts] session=%s connected", b.sessionID)
	go b.readLoop(b.up)
	return b.up, nil
}

func (b *SynthesisBridge) readLoop(up *upstream) {
	for {
		messageType, data, err := up.conn.ReadMessage()
		if err != nil {
			b.drop(up, err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			b.handleAudio(data)
		case websocket.TextMessage:
			b.handleControl(data)
		}
	}
}

func (b *SynthesisBridge) handleAudio(data []byte) {
	payload, err := audio.TranscodeMuLaw(data, b.cfg.TTSRate, b.cfg.OutputRate)
	if err != nil {
		log.Printf("[tts] session=%s drop frame: %v", b.sessionID, err)
		return
	}

	b.queueMu.Lock()
	if b.clearing || len(b.pending) == 0 {
		b.queueMu.Unlock()
		return
	}
	utterance := b.pending[0]
	b.queueMu.Unlock()

	b.speaking.Store(true)
	b.events.frame(utterance, payload)
}

func (b *SynthesisBridge) handleControl(data []byte) {
	var reply speakReply
	if err := json.Unmarshal(data, &reply); err != nil {
		log.Printf("[tts] session=%s malformed control frame: %v", b.sessionID, err)
		return
	}

	switch reply.Type {
	case "Flushed":
		b.queueMu.Lock()
		if b.clearing {
			b.queueMu.Unlock()
			return
		}
		if len(b.pending) > 0 {
			b.pending = b.pending[1:]
		}
		done := len(b.pending) == 0
		b.queueMu.Unlock()

		if done {
			b.speaking.Store(false)
			b.events.idle()
		}
	case "Cleared":
		b.queueMu.Lock()
		b.clearing = false
		done := len(b.pending) == 0
		b.queueMu.Unlock()

		b.speaking.Store(false)
		if done {
			b.events.idle()
		}
	case "Warning":
		log.Printf("[tts] session=%s warning %s: %s", b.sessionID, reply.WarnCode, reply.WarnMessage)
	case "Error":
		b.metrics.UpstreamError("tts")
		log.Printf("[tts] session=%s error %s: %s", b.sessionID, reply.ErrCode, reply.ErrMessage)
	default:
		log.Printf("[tts] session=%s %s", b.sessionID, string(data))
	}
}

// drop 释放失效连接，下一次 Speak 会重新建连
func (b *SynthesisBridge) drop(up *upstream, err error) {
	b.mu.Lock()
	current := b.up == up
	if current {
		b.up = nil
	}
	b.mu.Unlock()

	if !current {
		return
	}

	up.conn.Close()

	b.queueMu.Lock()
	b.pending = nil
	b.clearing = false
	b.queueMu.Unlock()

	if b.speaking.Swap(false) {
		b.events.idle()
	}
	if b.closed.Load() || IsExpectedClose(err) {
		return
	}
	b.metrics.UpstreamError("tts")
	log.Printf("[tts] session=%s upstream error: %v", b.sessionID, err)
}
