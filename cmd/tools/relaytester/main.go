package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/persona-relay/backend/internal/config"
	"github.com/zhouzirui/persona-relay/backend/internal/model/relay"
	"github.com/zhouzirui/persona-relay/backend/internal/service/audio"
)

const (
	frameBytes    = 160 // 20ms of 8kHz mu-law
	frameInterval = 20 * time.Millisecond
	wavHeaderSize = 44
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	server := flag.String("server", "ws://localhost"+cfg.Server.Addr, "中继服务地址")
	audioPath := flag.String("audio", "", "8kHz mu-law 音频文件 (.ulaw 原始数据或 .wav)")
	name := flag.String("name", "Tester", "候选人姓名")
	sections := flag.String("sections", "Background", "面试章节，逗号分隔")
	prompt := flag.String("prompt", "", "自定义 system prompt，留空则由服务端生成")
	session := flag.String("session", "", "自定义 session_id，留空则由服务端生成")
	outputPath := flag.String("out", "", "保存助手音频的 WAV 路径")
	duration := flag.Duration("duration", 60*time.Second, "测试总时长")

	flag.Parse()

	var input []byte
	if *audioPath != "" {
		input, err = loadMuLaw(*audioPath)
		if err != nil {
			log.Fatalf("读取音频失败: %v", err)
		}
	}

	target, err := url.Parse(strings.TrimRight(*server, "/") + "/media-stream")
	if err != nil {
		log.Fatalf("无效的服务地址: %v", err)
	}
	if *session != "" {
		q := target.Query()
		q.Set("session_id", *session)
		target.RawQuery = q.Encode()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		log.Fatalf("连接中继失败: %v", err)
	}
	defer conn.Close()
	log.Printf("已连接 %s", target.String())

	var writeMu sync.Mutex
	send := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	start := map[string]any{
		"event": relay.EventStart,
		"start": relay.Start{
			User:         relay.User{Name: *name},
			Sections:     splitSections(*sections),
			SystemPrompt: *prompt,
		},
	}
	if err := send(start); err != nil {
		log.Fatalf("发送 start 失败: %v", err)
	}

	received := make(chan []byte, 1)
	go func() {
		received <- readEvents(conn)
		cancel()
	}()

	if len(input) > 0 {
		go streamAudio(ctx, input, send)
	}

	<-ctx.Done()
	writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	writeMu.Unlock()
	_ = conn.Close()

	pcm := <-received
	if *outputPath != "" && len(pcm) > 0 {
		if err := writeOutput(*outputPath, pcm, cfg.Speech.OutputRate); err != nil {
			log.Fatalf("保存音频失败: %v", err)
		}
		log.Printf("助手音频已保存: %s (%d bytes)", *outputPath, len(pcm))
	}
}

// readEvents prints server events until the socket closes and returns the concatenated PCM16 audio.
func readEvents(conn *websocket.Conn) []byte {
	var pcm []byte
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Printf("连接结束: %v", err)
			}
			return pcm
		}

		evt, err := relay.DecodeOutbound(data)
		if err != nil {
			log.Printf("[WARN] 无法解析服务端消息: %v", err)
			continue
		}

		switch e := evt.(type) {
		case relay.Transcription:
			fmt.Println(e.Line())
		case relay.Clear:
			log.Println("<clear>")
		case relay.Media:
			chunk, err := base64.StdEncoding.DecodeString(e.Payload)
			if err != nil {
				log.Printf("[WARN] 音频帧解码失败: %v", err)
				continue
			}
			pcm = append(pcm, chunk...)
		}
	}
}

func streamAudio(ctx context.Context, input []byte, send func(any) error) {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for offset := 0; offset < len(input); offset += frameBytes {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		end := min(offset+frameBytes, len(input))
		msg := map[string]any{
			"event": relay.EventMedia,
			"media": relay.MediaPayload{Payload: base64.StdEncoding.EncodeToString(input[offset:end])},
		}
		if err := send(msg); err != nil {
			log.Printf("发送音频失败: %v", err)
			return
		}
	}
	log.Printf("音频发送完毕: %d 帧", (len(input)+frameBytes-1)/frameBytes)
}

func loadMuLaw(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(strings.ToLower(path), ".wav") {
		if len(data) <= wavHeaderSize {
			return nil, fmt.Errorf("wav file too short: %d bytes", len(data))
		}
		data = data[wavHeaderSize:]
	}
	return data, nil
}

func writeOutput(path string, pcm []byte, rate int) error {
	samples, err := audio.BytesToPCM16(pcm[:len(pcm)&^1])
	if err != nil {
		return err
	}
	wav, err := audio.EncodePCM16WAV(samples, rate)
	if err != nil {
		return err
	}
	return os.WriteFile(path, wav, 0o644)
}

func splitSections(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
