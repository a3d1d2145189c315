package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/persona-relay/backend/internal/config"
	"github.com/zhouzirui/persona-relay/backend/internal/handler"
	"github.com/zhouzirui/persona-relay/backend/internal/handler/token"
	"github.com/zhouzirui/persona-relay/backend/internal/metrics"
	"github.com/zhouzirui/persona-relay/backend/internal/service/ai"
	"github.com/zhouzirui/persona-relay/backend/internal/service/archive"
	"github.com/zhouzirui/persona-relay/backend/internal/service/conversation"
	"github.com/zhouzirui/persona-relay/backend/internal/service/speech"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	m := metrics.NewMetrics()

	transcripts, err := archive.NewStore(ctx, cfg.Archive.RedisURL, cfg.Archive.TTL)
	if err != nil {
		log.Printf("warning: transcript archive unavailable: %v", err)
		log.Println("falling back to in-memory transcripts")
		transcripts = archive.NewMemoryStore()
	}
	defer transcripts.Close()

	// Initialize AI service
	deps := conversation.Dependencies{
		Archive: transcripts,
		Metrics: m,
	}
	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, cfg.AI, m)
		if err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
			log.Println("continuing without AI functionality - 每轮使用兜底回复")
		} else {
			deps.Generator = aiService
			log.Println("AI service initialized successfully")
		}
	} else {
		log.Println("Ark 凭证未配置，跳过 AI 功能初始化")
	}

	// Initialize Speech service
	var sessions *conversation.Manager
	speechService := speech.NewService(&cfg.Speech, m)
	if speechService.Configured() {
		deps.Speech = speechService
		sessions = conversation.NewManager(deps, relayOptions(cfg))
		log.Println("Speech service initialized successfully")
	} else {
		log.Println("Deepgram 凭证未配置，媒体流接口不可用")
	}

	var issuer *token.Issuer
	if cfg.LiveKit.Enabled() {
		issuer = token.NewIssuer(cfg.LiveKit.APIKey, cfg.LiveKit.APISecret, cfg.LiveKit.TokenTTL)
	} else {
		log.Println("LiveKit 凭证未配置，/token 接口不可用")
	}

	router := handler.NewRouter(handler.Services{
		Sessions:       sessions,
		Archive:        transcripts,
		Tokens:         issuer,
		Metrics:        m,
		AllowedOrigins: cfg.Server.CORSAllowedOrigins,
	})

	startServer(ctx, cfg.Server, router)

	if sessions != nil {
		sessions.Shutdown()
	}
}

func relayOptions(cfg *config.Config) conversation.Options {
	timeLimit := cfg.Relay.TimeLimitMinutes
	return conversation.Options{
		StartDelay: cfg.Relay.StartDelay,
		BargeIn: conversation.BargeInPolicy{
			Enabled:  cfg.Relay.BargeInEnabled,
			MinChars: cfg.Relay.BargeInMinChars,
		},
		FallbackReply:  cfg.Relay.FallbackReply,
		CaptureSeconds: cfg.Relay.CaptureSeconds,
		DebugAudioDir:  cfg.Relay.DebugAudioDir,
		PromptBuilder: func(userName string, sections []string) string {
			return ai.BuildInterviewPrompt(userName, sections, timeLimit)
		},
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Media relay listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
