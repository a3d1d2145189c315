package token

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/persona-relay/backend/pkg/utils"
)

// Handler 房间令牌HTTP处理器
type Handler struct {
	issuer *Issuer
}

func New(issuer *Issuer) *Handler {
	return &Handler{issuer: issuer}
}

// RegisterRoutes 注册令牌路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/token", h.handleCreateToken)
}

func (h *Handler) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Metadata any `json:"metadata"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	grant, err := h.issuer.Issue(payload.Metadata)
	if err != nil {
		if errors.Is(err, ErrCredentialsMissing) {
			utils.RespondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		log.Printf("[token] issue failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to create token")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"identity":    grant.Identity,
		"accessToken": grant.AccessToken,
	})
}
