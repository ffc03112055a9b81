package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/dayboard/internal/action"
	"github.com/ashureev/dayboard/internal/backend"
	"github.com/ashureev/dayboard/internal/chat"
	"github.com/ashureev/dayboard/internal/domain"
)

// ChatHandler exposes the chat sessions of the caller's workspace.
type ChatHandler struct {
	*Handler
}

// NewChatHandler creates a chat handler.
func NewChatHandler(base *Handler) *ChatHandler {
	return &ChatHandler{Handler: base}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat/{kind}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/input", h.SetInput)
		r.Post("/send", h.Send)
		r.Post("/clear", h.Clear)
	})
}

type inputRequest struct {
	Text string `json:"text"`
}

type sendRequest struct {
	Message string `json:"message"`
}

// Get returns the session snapshot.
func (h *ChatHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, s.Snapshot())
}

// SetInput stores the unsent input text.
func (h *ChatHandler) SetInput(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req inputRequest
	if !decode(w, r, &req) {
		return
	}
	s.SetInput(req.Text)
	JSON(w, http.StatusOK, s.Snapshot())
}

// Send asks the assistant and answers once the reply or failure is in the
// transcript. An empty message sends the pending input.
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if !h.allow(w, r) {
		return
	}
	var req sendRequest
	if !decode(w, r, &req) {
		return
	}

	msg, err := s.Send(context.WithoutCancel(r.Context()), req.Message)
	switch {
	case errors.Is(err, chat.ErrBlankMessage):
		Error(w, http.StatusBadRequest, "message is required")
		return
	case errors.Is(err, action.ErrInFlight):
		rejected(w, err)
		return
	case errors.Is(err, chat.ErrDiscarded):
		JSON(w, http.StatusOK, map[string]interface{}{
			"accepted":  true,
			"discarded": true,
			"chat":      s.Snapshot(),
		})
		return
	}

	body := map[string]interface{}{
		"accepted": true,
		"message":  msg,
		"chat":     s.Snapshot(),
	}
	if err != nil {
		body["error"] = backend.Message(err)
	}
	JSON(w, http.StatusOK, body)
}

// Clear resets the transcript to the welcome message.
func (h *ChatHandler) Clear(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.Clear()
	JSON(w, http.StatusOK, s.Snapshot())
}

func (h *ChatHandler) session(w http.ResponseWriter, r *http.Request) (*chat.Session, bool) {
	kind := domain.SessionKind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		Error(w, http.StatusNotFound, "unknown chat session")
		return nil, false
	}
	ws, ok := h.workspaceFor(w, r)
	if !ok {
		return nil, false
	}
	s, ok := ws.Session(kind)
	if !ok {
		Error(w, http.StatusNotFound, "unknown chat session")
		return nil, false
	}
	return s, true
}
