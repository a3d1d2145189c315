package speech

// SpeechConfig 流式语音服务配置（Deepgram）
type SpeechConfig struct {
	APIKey string `json:"apiKey"`

	// 识别（listen）
	ListenURL      string `json:"listenUrl"`
	ASRModel       string `json:"asrModel"`
	ASRLanguage    string `json:"asrLanguage"`
	SmartFormat    bool   `json:"smartFormat"`
	Endpointing    int    `json:"endpointing"` // ms of silence that ends an utterance
	InterimResults bool   `json:"interimResults"`
	InputRate      int    `json:"inputRate"`

	// 合成（speak）
	SpeakURL   string `json:"speakUrl"`
	TTSVoice   string `json:"ttsVoice"`
	TTSRate    int    `json:"ttsRate"`
	OutputRate int    `json:"outputRate"` // rate of PCM16 frames sent to the browser

	// 通用配置
	DialTimeout       int `json:"dialTimeout"`       // seconds
	DialRetries       int `json:"dialRetries"`       // attempts for the initial upstream dial
	KeepAliveInterval int `json:"keepAliveInterval"` // seconds
}
