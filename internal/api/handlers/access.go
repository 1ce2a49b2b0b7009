// access.go — обработчики токенов доступа к файлам.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/docvault/internal/api/errors"
)

// issueTokenRequest — тело запроса выдачи токена (опционально).
type issueTokenRequest struct {
	// TTLSeconds — время жизни токена; 0 — значение по умолчанию
	TTLSeconds int `json:"ttl_seconds"`
}

// IssueToken — POST /api/v1/files/{file_id}/tokens.
func (h *APIHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	req, ok := requester(w, r)
	if !ok {
		return
	}

	var body issueTokenRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
			return
		}
	}

	issued, err := h.access.IssueToken(r.Context(), chi.URLParam(r, "file_id"), req, time.Duration(body.TTLSeconds)*time.Second)
	if err != nil {
		h.writeServiceError(w, err, "issue_token")
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

// ResolveToken — GET /api/v1/access/{token}. Публичный endpoint:
// аутентификацией служит сам токен.
func (h *APIHandler) ResolveToken(w http.ResponseWriter, r *http.Request) {
	d, err := h.access.ResolveToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.writeServiceError(w, err, "resolve_token")
		return
	}
	h.streamDownload(w, d)
}

// RevokeToken — DELETE /api/v1/access/{token}.
func (h *APIHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	req, ok := requester(w, r)
	if !ok {
		return
	}

	if err := h.access.RevokeToken(r.Context(), chi.URLParam(r, "token"), req); err != nil {
		h.writeServiceError(w, err, "revoke_token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
