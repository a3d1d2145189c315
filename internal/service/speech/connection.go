package speech

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectionOptions 上游连接配置选项
type ConnectionOptions struct {
	DialTimeout       time.Duration // 握手超时时间
	WriteTimeout      time.Duration // 写入超时时间
	KeepAliveInterval time.Duration // KeepAlive 间隔，0 表示关闭
	MaxRetries        int           // 初次建连最大尝试次数
	RetryDelay        time.Duration // 重试基础等待时间，按次数线性增长
}

// DefaultConnectionOptions 默认连接选项
func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		DialTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Second,
		KeepAliveInterval: 8 * time.Second,
		MaxRetries:        3,
		RetryDelay:        time.Second,
	}
}

// connectWithRetry 带重试的连接建立
func connectWithRetry(ctx context.Context, opts ConnectionOptions, target string, header http.Header) (*websocket.Conn, error) {
	attempts := opts.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.DialTimeout,
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, resp, err := dialer.DialContext(ctx, target, header)
		if err == nil {
			return conn, nil
		}

		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
			// 鉴权失败不重试
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, fmt.Errorf("websocket dial rejected: %w", err)
			}
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if i == attempts-1 {
			break
		}

		retryDelay := time.Duration(i+1) * opts.RetryDelay
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}

	return nil, fmt.Errorf("failed to connect after %d attempts, last error: %w", attempts, lastErr)
}

// upstream 封装上游连接，写操作串行
type upstream struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func newUpstream(conn *websocket.Conn, writeTimeout time.Duration) *upstream {
	return &upstream{conn: conn, writeTimeout: writeTimeout}
}

func (u *upstream) write(messageType int, data []byte) error {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()

	if u.writeTimeout > 0 {
		u.conn.SetWriteDeadline(time.Now().Add(u.writeTimeout))
	}
	return u.conn.WriteMessage(messageType, data)
}

func (u *upstream) writeJSON(v any) error {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()

	if u.writeTimeout > 0 {
		u.conn.SetWriteDeadline(time.Now().Add(u.writeTimeout))
	}
	return u.conn.WriteJSON(v)
}

// shutdown 发送关闭帧并释放连接
func (u *upstream) shutdown() error {
	u.writeMu.Lock()
	u.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = u.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	u.writeMu.Unlock()
	return u.conn.Close()
}

// keepAliveLoop 定期发送控制消息，直到 done 关闭或写入失败
func keepAliveLoop(done <-chan struct{}, interval time.Duration, send func() error, onErr func(error)) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := send(); err != nil {
				onErr(err)
				return
			}
		}
	}
}

// IsExpectedClose 判断错误是否为正常关闭
func IsExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
