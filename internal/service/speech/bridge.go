package speech

import (
	"context"
	"errors"
)

var (
	// ErrBridgeClosed 上游连接已断开时写入音频或文本
	ErrBridgeClosed = errors.New("speech bridge closed")
	// ErrMissingAPIKey 未配置服务商 API Key
	ErrMissingAPIKey = errors.New("speech provider api key is not configured")
)

// RecognizerEvents 识别结果回调，在桥接读协程中同步调用
type RecognizerEvents struct {
	// OnFragment 每个非空的中间或最终片段都会触发
	OnFragment func(text string)
	// OnUtterance 每句结束且非空的话语触发一次
	OnUtterance func(text string)
}

// Recognizer 将电话音频流式送往语音识别服务
type Recognizer interface {
	// Send 解码一帧 base64 mu-law 音频，上游连接打开时转发
	Send(frame string) error
	IsOpen() bool
	Close() error
}

// SynthesisEvents 合成音频回调
type SynthesisEvents struct {
	// OnFrame 收到一帧可直接下发的 base64 PCM16 音频，附带 Speak 传入的 utterance
	OnFrame func(utterance uint64, payload string)
	// OnIdle 服务端播完或丢弃当前话语时触发
	OnIdle func()
}

// Synthesizer 将回复文本合成为可下发的音频帧流
type Synthesizer interface {
	// Speak 提交文本合成，产生的音频帧携带 utterance；ctx 已取消时不发送
	Speak(ctx context.Context, utterance uint64, text string) error
	// Clear 请求服务端丢弃尚未下发的音频
	Clear() error
	Speaking() bool
	Close() error
}

func (e RecognizerEvents) fragment(text string) {
	if e.OnFragment != nil {
		e.OnFragment(text)
	}
}

func (e RecognizerEvents) utterance(text string) {
	if e.OnUtterance != nil {
		e.OnUtterance(text)
	}
}

func (e SynthesisEvents) frame(utterance uint64, payload string) {
	if e.OnFrame != nil {
		e.OnFrame(utterance, payload)
	}
}

func (e SynthesisEvents) idle() {
	if e.OnIdle != nil {
		e.OnIdle()
	}
}
