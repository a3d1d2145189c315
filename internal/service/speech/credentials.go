package speech

import (
	"net/http"
	"strings"

	speechmodel "github.com/zhouzirui/persona-relay/backend/internal/model/speech"
)

// resolveAPIKey 返回规范化后的 Deepgram API Key，缺失时返回 ErrMissingAPIKey。
func resolveAPIKey(cfg *speechmodel.SpeechConfig) (string, error) {
	if cfg == nil {
		return "", ErrMissingAPIKey
	}

	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return "", ErrMissingAPIKey
	}
	return key, nil
}

func authHeader(cfg *speechmodel.SpeechConfig) (http.Header, error) {
	key, err := resolveAPIKey(cfg)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+key)
	return header, nil
}
