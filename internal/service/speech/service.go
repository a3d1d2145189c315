package speech

import (
	"context"
	"time"

	"github.com/zhouzirui/persona-relay/backend/internal/metrics"
	"github.com/zhouzirui/persona-relay/backend/internal/model/speech"
)

// Service 语音服务，为每个会话创建识别与合成桥接
type Service struct {
	config  *speech.SpeechConfig
	options ConnectionOptions
	metrics *metrics.Metrics
}

// NewService 创建语音服务实例
func NewService(config *speech.SpeechConfig, m *metrics.Metrics) *Service {
	options := DefaultConnectionOptions()
	if config.DialTimeout > 0 {
		options.DialTimeout = time.Duration(config.DialTimeout) * time.Second
	}
	if config.DialRetries > 0 {
		options.MaxRetries = config.DialRetries
	}
	if config.KeepAliveInterval > 0 {
		options.KeepAliveInterval = time.Duration(config.KeepAliveInterval) * time.Second
	}

	return &Service{
		config:  config,
		options: options,
		metrics: m,
	}
}

// WithOptions 覆盖连接选项
func (s *Service) WithOptions(options ConnectionOptions) *Service {
	s.options = options
	return s
}

// Configured 判断是否配置了语音服务凭证
func (s *Service) Configured() bool {
	_, err := resolveAPIKey(s.config)
	return err == nil
}

// OpenRecognizer 为会话建立识别连接
func (s *Service) OpenRecognizer(ctx context.Context, sessionID string, events RecognizerEvents) (Recognizer, error) {
	return DialTranscription(ctx, s.config, s.options, sessionID, events, s.metrics)
}

// NewSynthesizer 为会话创建合成桥接，首次 Speak 时建连
func (s *Service) NewSynthesizer(sessionID string, events SynthesisEvents) Synthesizer {
	return NewSynthesisBridge(s.config, s.options, sessionID, events, s.metrics)
}
