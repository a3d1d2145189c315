package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"

	speechmodel "github.com/zhouzirui/persona-relay/backend/internal/model/speech"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	AI      AIConfig
	Speech  speechmodel.SpeechConfig
	Relay   RelayConfig
	LiveKit LiveKitConfig
	Archive ArchiveConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	speech, err := loadSpeechConfig()
	if err != nil {
		return nil, err
	}

	relay, err := loadRelayConfig()
	if err != nil {
		return nil, err
	}

	livekit, err := loadLiveKitConfig()
	if err != nil {
		return nil, err
	}

	archive, err := loadArchiveConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		AI:      ai,
		Speech:  speech,
		Relay:   relay,
		LiveKit: livekit,
		Archive: archive,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr               string
	CORSAllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "5002"
	}

	origins := splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*"))

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":5002" 或 "127.0.0.1:5002"。
		return ServerConfig{Addr: port, CORSAllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, CORSAllowedOrigins: origins}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey       string
	AccessKey    string
	SecretKey    string
	Model        string
	BaseURL      string
	Region       string
	Temperature  *float64
	TopP         *float64
	MaxTokens    *int
	HistoryLimit int // 0 表示发送完整对话
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark credentials or model missing: provide ARK_API_KEY + ARK_MODEL or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	historyLimit := 0
	if override, err := parseOptionalIntEnv("AI_HISTORY_LIMIT"); err != nil {
		return AIConfig{}, err
	} else if override != nil && *override > 0 {
		historyLimit = *override
	}

	return AIConfig{
		APIKey:       strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:    strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:    strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:        getEnvOrDefault("ARK_MODEL", strings.TrimSpace(os.Getenv("Model"))),
		BaseURL:      getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:       getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:  temperature,
		TopP:         topP,
		MaxTokens:    maxTokens,
		HistoryLimit: historyLimit,
	}, nil
}

func loadSpeechConfig() (speechmodel.SpeechConfig, error) {
	smartFormat, err := parseBoolEnv("DEEPGRAM_SMART_FORMAT", true)
	if err != nil {
		return speechmodel.SpeechConfig{}, err
	}

	interim, err := parseBoolEnv("DEEPGRAM_INTERIM_RESULTS", false)
	if err != nil {
		return speechmodel.SpeechConfig{}, err
	}

	ints := map[string]*int{}
	defaults := []struct {
		key   string
		value int
	}{
		{"DEEPGRAM_ENDPOINTING_MS", 300},
		{"DEEPGRAM_INPUT_RATE", 8000},
		{"DEEPGRAM_TTS_RATE", 8000},
		{"RELAY_OUTPUT_RATE", 16000},
		{"SPEECH_DIAL_TIMEOUT", 10},
		{"SPEECH_DIAL_RETRIES", 3},
		{"SPEECH_KEEPALIVE_INTERVAL", 8},
	}
	for _, d := range defaults {
		val, err := parseIntEnv(d.key, d.value)
		if err != nil {
			return speechmodel.SpeechConfig{}, err
		}
		if val < 0 {
			return speechmodel.SpeechConfig{}, fmt.Errorf("invalid %s value %d: must not be negative", d.key, val)
		}
		v := val
		ints[d.key] = &v
	}

	return speechmodel.SpeechConfig{
		APIKey:            strings.TrimSpace(os.Getenv("DEEPGRAM_API_KEY")),
		ListenURL:         getEnvOrDefault("DEEPGRAM_LISTEN_URL", "wss://api.deepgram.com/v1/listen"),
		ASRModel:          getEnvOrDefault("DEEPGRAM_ASR_MODEL", "nova-2-phonecall"),
		ASRLanguage:       getEnvOrDefault("DEEPGRAM_ASR_LANGUAGE", "en"),
		SmartFormat:       smartFormat,
		Endpointing:       *ints["DEEPGRAM_ENDPOINTING_MS"],
		InterimResults:    interim,
		InputRate:         *ints["DEEPGRAM_INPUT_RATE"],
		SpeakURL:          getEnvOrDefault("DEEPGRAM_SPEAK_URL", "wss://api.deepgram.com/v1/speak"),
		TTSVoice:          getEnvOrDefault("DEEPGRAM_TTS_VOICE", ""),
		TTSRate:           *ints["DEEPGRAM_TTS_RATE"],
		OutputRate:        *ints["RELAY_OUTPUT_RATE"],
		DialTimeout:       *ints["SPEECH_DIAL_TIMEOUT"],
		DialRetries:       *ints["SPEECH_DIAL_RETRIES"],
		KeepAliveInterval: *ints["SPEECH_KEEPALIVE_INTERVAL"],
	}, nil
}

// RelayConfig 描述会话编排相关配置。
type RelayConfig struct {
	StartDelay       time.Duration
	BargeInEnabled   bool
	BargeInMinChars  int
	FallbackReply    string
	CaptureSeconds   int
	DebugAudioDir    string
	TimeLimitMinutes int
}

func loadRelayConfig() (RelayConfig, error) {
	delay, err := parseDurationEnv("RELAY_START_DELAY", time.Second)
	if err != nil {
		return RelayConfig{}, err
	}

	bargeIn, err := parseBoolEnv("RELAY_BARGE_IN_ENABLED", true)
	if err != nil {
		return RelayConfig{}, err
	}

	minChars, err := parseIntEnv("RELAY_BARGE_IN_MIN_CHARS", 1)
	if err != nil {
		return RelayConfig{}, err
	}

	capture, err := parseIntEnv("RELAY_CAPTURE_SECONDS", 30)
	if err != nil {
		return RelayConfig{}, err
	}

	timeLimit, err := parseIntEnv("RELAY_TIME_LIMIT_MINUTES", 15)
	if err != nil {
		return RelayConfig{}, err
	}

	return RelayConfig{
		StartDelay:       delay,
		BargeInEnabled:   bargeIn,
		BargeInMinChars:  minChars,
		FallbackReply:    getEnvOrDefault("RELAY_FALLBACK_REPLY", "Sorry, I lost my train of thought for a moment. Could you say that again?"),
		CaptureSeconds:   capture,
		DebugAudioDir:    strings.TrimSpace(os.Getenv("RELAY_DEBUG_AUDIO_DIR")),
		TimeLimitMinutes: timeLimit,
	}, nil
}

// LiveKitConfig 描述房间令牌签发配置。
type LiveKitConfig struct {
	APIKey    string
	APISecret string
	TokenTTL  time.Duration
}

// Enabled 表示是否可以签发令牌。
func (c LiveKitConfig) Enabled() bool {
	return c.APIKey != "" && c.APISecret != ""
}

func loadLiveKitConfig() (LiveKitConfig, error) {
	ttl, err := parseDurationEnv("LIVEKIT_TOKEN_TTL", 6*time.Hour)
	if err != nil {
		return LiveKitConfig{}, err
	}

	return LiveKitConfig{
		APIKey:    strings.TrimSpace(os.Getenv("LIVEKIT_API_KEY")),
		APISecret: strings.TrimSpace(os.Getenv("LIVEKIT_API_SECRET")),
		TokenTTL:  ttl,
	}, nil
}

// ArchiveConfig 描述转写存档配置，未配置 Redis 时使用内存存储。
type ArchiveConfig struct {
	RedisURL string
	TTL      time.Duration
}

func loadArchiveConfig() (ArchiveConfig, error) {
	ttl, err := parseDurationEnv("TRANSCRIPT_TTL", 7*24*time.Hour)
	if err != nil {
		return ArchiveConfig{}, err
	}

	return ArchiveConfig{
		RedisURL: strings.TrimSpace(os.Getenv("REDIS_URL")),
		TTL:      ttl,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return *val, nil
}

// parseDurationEnv accepts Go durations ("1500ms") or plain seconds ("2").
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
