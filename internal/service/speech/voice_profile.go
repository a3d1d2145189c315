package speech

import "strings"

// DefaultVoice 未配置音色时使用
const DefaultVoice = "aura-asteria-en"

// voiceAliases 简短音色别名到 Deepgram Aura 模型名的映射
var voiceAliases = map[string]string{
	"asteria": "aura-asteria-en",
	"luna":    "aura-luna-en",
	"stella":  "aura-stella-en",
	"athena":  "aura-athena-en",
	"hera":    "aura-hera-en",
	"orion":   "aura-orion-en",
	"arcas":   "aura-arcas-en",
	"perseus": "aura-perseus-en",
	"angus":   "aura-angus-en",
	"orpheus": "aura-orpheus-en",
	"helios":  "aura-helios-en",
	"zeus":    "aura-zeus-en",
}

// NormalizeVoiceAlias 将别名转换为 Deepgram 模型名；未知名称原样返回。
func NormalizeVoiceAlias(voice string) string {
	normalized := strings.ToLower(strings.TrimSpace(voice))
	if normalized == "" {
		return ""
	}
	if model, ok := voiceAliases[normalized]; ok {
		return model
	}
	return normalized
}

func resolveVoice(voice string) string {
	if model := NormalizeVoiceAlias(voice); model != "" {
		return model
	}
	return DefaultVoice
}
