package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sessiongate/internal/logger"
	"github.com/sessiongate/internal/middleware"
	"github.com/sessiongate/internal/repository"
	"github.com/sessiongate/internal/service"
)

// InternalHandler — служебные ручки для соседних сервисов (не экспонируются наружу).
type InternalHandler struct {
	adm middleware.SessionValidator
}

func NewInternalHandler(adm middleware.SessionValidator) *InternalHandler {
	return &InternalHandler{adm: adm}
}

type validateRequest struct {
	SessionID string `json:"session_id"`
}

// Validate — POST /internal/validate. Ресурс-сервисы проверяют session_id перед
// обработкой запроса. 200 + account_id — сессия активна; 401 — отозвана; 404 — нет или pending.
func (h *InternalHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id required")
		return
	}
	accountID, err := h.adm.Validate(r.Context(), req.SessionID)
	if err != nil {
		if errors.Is(err, service.ErrRevoked) {
			writeError(w, http.StatusUnauthorized, "session revoked")
			return
		}
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		logger.Errorf("internal validate session=%s: %v", middleware.MaskSessionID(req.SessionID), err)
		writeError(w, http.StatusInternalServerError, "validation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account_id": accountID,
		"session_id": req.SessionID,
		"status":     "active",
	})
}
