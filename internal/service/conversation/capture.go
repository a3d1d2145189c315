package conversation

import (
	"sync"

	"github.com/smallnest/ringbuffer"
	"github.com/zhouzirui/persona-relay/backend/internal/service/audio"
)

// captureBuffer 保留最近的上行电话音频，写满后丢弃最旧的字节
type captureBuffer struct {
	mu   sync.Mutex
	rb   *ringbuffer.RingBuffer
	size int
}

func newCaptureBuffer(seconds int) *captureBuffer {
	if seconds <= 0 {
		return nil
	}
	size := seconds * audio.TelephonyRate
	return &captureBuffer{rb: ringbuffer.New(size), size: size}
}

func (c *captureBuffer) Write(p []byte) {
	if c == nil || len(p) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(p) > c.size {
		p = p[len(p)-c.size:]
	}
	if free := c.rb.Free(); free < len(p) {
		discard := make([]byte, len(p)-free)
		_, _ = c.rb.Read(discard)
	}
	_, _ = c.rb.Write(p)
}

// Drain 取出全部留存音频并清空缓冲
func (c *captureBuffer) Drain() []byte {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.rb.Length()
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	read, _ := c.rb.Read(out)
	return out[:read]
}

func (c *captureBuffer) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rb.Length()
}
