package speech

import (
	"strings"
	"sync"
)

// TranscriptBuffer 累积识别片段，直到服务端标记一句话结束
type TranscriptBuffer struct {
	mu    sync.Mutex
	parts []string
}

// Append 追加片段，空白片段被忽略
func (b *TranscriptBuffer) Append(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	b.mu.Lock()
	b.parts = append(b.parts, text)
	b.mu.Unlock()
}

// Flush 返回累积的话语并重置缓冲
func (b *TranscriptBuffer) Flush() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	text := strings.Join(b.parts, " ")
	b.parts = b.parts[:0]
	return text
}

// Empty 判断缓冲是否为空
func (b *TranscriptBuffer) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.parts) == 0
}
