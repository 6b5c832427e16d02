package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/loqa-capture/internal/sessionstore"
)

// SessionsHandler exposes the session word store to the UI.
type SessionsHandler struct {
	store sessionstore.Store
	log   *slog.Logger
}

func NewSessionsHandler(store sessionstore.Store, logger *slog.Logger) *SessionsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionsHandler{store: store, log: logger.With(slog.String("component", "sessions-api"))}
}

// Routes mounts the handlers on r.
func (h *SessionsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/words", h.AppendWord)
	r.Delete("/{id}", h.Delete)
}

func (h *SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	ids, err := h.store.ListSessions(r.Context())
	if err != nil {
		h.internal(w, "list sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": ids, "count": len(ids)})
}

func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, sessionstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	if err != nil {
		h.internal(w, "get session", err)
		return
	}
	if sess.Words == nil {
		sess.Words = []sessionstore.Word{}
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *SessionsHandler) AppendWord(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Word string `json:"word"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	word := strings.TrimSpace(req.Word)
	if word == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "word required"})
		return
	}
	res, err := h.store.CreateOrAppendWord(r.Context(), chi.URLParam(r, "id"), word)
	if err != nil {
		h.internal(w, "append word", err)
		return
	}
	status := http.StatusOK
	if res.IsNewSession {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (h *SessionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	err := h.store.DeleteSession(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, sessionstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	if err != nil {
		h.internal(w, "delete session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionsHandler) internal(w http.ResponseWriter, op string, err error) {
	h.log.Error(op+" failed", slogError(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
