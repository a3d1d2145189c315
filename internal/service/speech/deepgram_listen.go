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

const (
	listenTypeResults      = "Results"
	listenTypeUtteranceEnd = "UtteranceEnd"
	listenTypeMetadata     = "Metadata"
	listenTypeSpeechStart  = "SpeechStarted"
)

// TranscriptionBridge Deepgram 流式识别桥接
type TranscriptionBridge struct {
	sessionID string
	up        *upstream
	events    RecognizerEvents
	buffer    TranscriptBuffer
	interim   bool
	metrics   *metrics.Metrics

	open      atomic.Bool
	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

type listenControl struct {
	Type string `json:"type"`
}

type listenResult struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool `json:"is_final"`
	SpeechFinal bool `json:"speech_final"`
}

func (r listenResult) transcript() string {
	if len(r.Channel.Alternatives) == 0 {
		return ""
	}
	return strings.TrimSpace(r.Channel.Alternatives[0].Transcript)
}

// BuildListenURL 构造识别连接地址
func BuildListenURL(cfg *speechmodel.SpeechConfig) (string, error) {
	u, err := url.Parse(cfg.ListenURL)
	if err != nil {
		return "", fmt.Errorf("parse listen url: %w", err)
	}

	q := u.Query()
	q.Set("model", cfg.ASRModel)
	q.Set("language", cfg.ASRLanguage)
	q.Set("encoding", "mulaw")
	q.Set("sample_rate", strconv.Itoa(cfg.InputRate))
	q.Set("channels", "1")
	q.Set("multichannel", "false")
	q.Set("no_delay", "true")
	q.Set("smart_format", strconv.FormatBool(cfg.SmartFormat))
	if cfg.Endpointing > 0 {
		q.Set("endpointing", strconv.Itoa(cfg.Endpointing))
	}
	if cfg.InterimResults {
		q.Set("interim_results", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DialTranscription 建立识别连接并启动读取与保活协程
func DialTranscription(ctx context.Context, cfg *speechmodel.SpeechConfig, opts ConnectionOptions, sessionID string, events RecognizerEvents, m *metrics.Metrics) (*TranscriptionBridge, error) {
	header, err := authHeader(cfg)
	if err != nil {
		return nil, err
	}
	target, err := BuildListenURL(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := connectWithRetry(ctx, opts, target, header)
	if err != nil {
		m.UpstreamError("stt")
		return nil, fmt.Errorf("connect transcription: %w", err)
	}

	b := &TranscriptionBridge{
		sessionID: sessionID,
		up:        newUpstream(conn, opts.WriteTimeout),
		events:    events,
		interim:   cfg.InterimResults,
		metrics:   m,
		done:      make(chan struct{}),
	}
	b.open.Store(true)
	log.Printf("[stt] session=%s connected", sessionID)

	go b.readLoop()
	go keepAliveLoop(b.done, opts.KeepAliveInterval, func() error {
		return b.up.writeJSON(listenControl{Type: "KeepAlive"})
	}, b.fail)

	return b, nil
}

// Send 解码一帧 base64 mu-law 音频并转发；连接未打开时静默丢弃
func (b *TranscriptionBridge) Send(frame string) error {
	raw, err := audio.DecodeInbound(frame)
	if err != nil {
		return err
	}
	return b.SendAudio(speechmodel.AudioFrame{
		Payload:    raw,
		Encoding:   speechmodel.MuLaw8k,
		SampleRate: audio.TelephonyRate,
	})
}

// SendAudio 转发一帧 mu-law 音频；识别连接只接受电话音频格式
func (b *TranscriptionBridge) SendAudio(frame speechmodel.AudioFrame) error {
	if !b.open.Load() {
		return ErrBridgeClosed
	}
	if frame.Encoding != speechmodel.MuLaw8k {
		return fmt.Errorf("%w: listen socket expects %s, got %s", audio.ErrInvalidPayload, speechmodel.MuLaw8k, frame.Encoding)
	}
	if frame.Samples() == 0 {
		return nil
	}
	if err := b.up.write(websocket.BinaryMessage, frame.Payload); err != nil {
		b.fail(err)
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

func (b *TranscriptionBridge) IsOpen() bool {
	return b.open.Load()
}

// Close 幂等关闭：发送 CloseStream 后关闭连接
func (b *TranscriptionBridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.closing.Store(true)
		if b.open.Swap(false) {
			_ = b.up.writeJSON(listenControl{Type: "CloseStream"})
		}
		close(b.done)
		err = b.up.shutdown()
		log.Printf("[stt] session=%s closed", b.sessionID)
	})
	return err
}

func (b *TranscriptionBridge) readLoop() {
	for {
		messageType, data, err := b.up.conn.ReadMessage()
		if err != nil {
			b.fail(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		b.handleMessage(data)
	}
}

func (b *TranscriptionBridge) handleMessage(data []byte) {
	var ctrl listenControl
	if err := json.Unmarshal(data, &ctrl); err != nil {
		log.Printf("[stt] session=%s malformed message: %v", b.sessionID, err)
		return
	}

	switch ctrl.Type {
	case listenTypeResults:
		var result listenResult
		if err := json.Unmarshal(data, &result); err != nil {
			log.Printf("[stt] session=%s malformed result: %v", b.sessionID, err)
			return
		}
		b.handleResult(result)
	case listenTypeUtteranceEnd:
		b.emitUtterance()
	case listenTypeMetadata, listenTypeSpeechStart:
	default:
		log.Printf("[stt] session=%s message: %s", b.sessionID, string(data))
	}
}

func (b *TranscriptionBridge) handleResult(result listenResult) {
	text := result.transcript()
	if text != "" {
		// 中间结果之后会被修正，只保留最终结果
		if !b.interim || result.IsFinal {
			b.buffer.Append(text)
		}
		b.events.fragment(text)
	}

	if result.SpeechFinal {
		b.emitUtterance()
	}
}

func (b *TranscriptionBridge) emitUtterance() {
	if utterance := b.buffer.Flush(); utterance != "" {
		b.events.utterance(utterance)
	}
}

func (b *TranscriptionBridge) fail(err error) {
	if !b.open.Swap(false) {
		return
	}
	if b.closing.Load() || IsExpectedClose(err) {
		log.Printf("[stt] session=%s upstream closed", b.sessionID)
		return
	}
	b.metrics.UpstreamError("stt")
	log.Printf("[stt] session=%s upstream error: %v", b.sessionID, err)
}
