package transcript

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	convmodel "github.com/zhouzirui/persona-relay/backend/internal/model/conversation"
	"github.com/zhouzirui/persona-relay/backend/internal/service/archive"
	"github.com/zhouzirui/persona-relay/backend/internal/service/conversation"
	"github.com/zhouzirui/persona-relay/backend/pkg/utils"
)

// LiveSessions 查询仍在连接中的会话
type LiveSessions interface {
	Get(id string) (*conversation.Session, error)
}

// Handler 面试记录HTTP处理器
type Handler struct {
	store archive.Store
	live  LiveSessions
}

// New 创建记录处理器；live 可为 nil
func New(store archive.Store, live LiveSessions) *Handler {
	return &Handler{
		store: store,
		live:  live,
	}
}

// RegisterRoutes 注册记录相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/transcripts/{sessionID}", h.handleGetTranscript)
}

// handleGetTranscript 优先返回进行中会话的实时记录，否则读取归档
func (h *Handler) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "sessionID is required")
		return
	}

	if h.live != nil {
		if session, err := h.live.Get(sessionID); err == nil {
			utils.RespondJSON(w, http.StatusOK, response(session.Transcript(), true))
			return
		}
	}

	if h.store == nil {
		utils.RespondError(w, http.StatusNotFound, "transcript not found")
		return
	}

	transcript, err := h.store.Get(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, archive.ErrTranscriptNotFound) {
			utils.RespondError(w, http.StatusNotFound, "transcript not found")
			return
		}
		log.Printf("[transcript] load %s failed: %v", sessionID, err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to load transcript")
		return
	}

	utils.RespondJSON(w, http.StatusOK, response(transcript, false))
}

type transcriptResponse struct {
	convmodel.Transcript
	Live bool `json:"live"`
}

func response(t convmodel.Transcript, live bool) transcriptResponse {
	return transcriptResponse{Transcript: t, Live: live}
}
