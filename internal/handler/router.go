package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/persona-relay/backend/internal/handler/relay"
	"github.com/zhouzirui/persona-relay/backend/internal/handler/token"
	"github.com/zhouzirui/persona-relay/backend/internal/handler/transcript"
	"github.com/zhouzirui/persona-relay/backend/internal/metrics"
	middlewarePkg "github.com/zhouzirui/persona-relay/backend/internal/middleware"
	"github.com/zhouzirui/persona-relay/backend/internal/service/archive"
	"github.com/zhouzirui/persona-relay/backend/internal/service/conversation"
	"github.com/zhouzirui/persona-relay/backend/pkg/utils"
)

// Services 通过 HTTP 暴露的服务，nil 成员对应的路由返回未配置
type Services struct {
	Sessions       *conversation.Manager
	Archive        archive.Store
	Tokens         *token.Issuer
	Metrics        *metrics.Metrics
	AllowedOrigins []string
}

// NewRouter 创建路由并挂载各服务
func NewRouter(svc Services) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(svc.AllowedOrigins))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "Media Stream Server is running!"})
	})
	r.Method(http.MethodGet, "/metrics", svc.Metrics.Handler())

	token.New(svc.Tokens).RegisterRoutes(r)

	// relay.New(nil) 返回 501，避免 typed-nil 接口
	var relayHandler *relay.Handler
	var live transcript.LiveSessions
	if svc.Sessions != nil {
		relayHandler = relay.New(svc.Sessions)
		live = svc.Sessions
	} else {
		relayHandler = relay.New(nil)
	}
	relayHandler.RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		transcript.New(svc.Archive, live).RegisterRoutes(api)
	})

	return r
}
