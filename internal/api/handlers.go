package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/LeventeLantos/scheduled-dispatch/internal/logging"
	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
)

const idempotencyHeader = "Idempotency-Key"

// Messages is the message service as seen by the HTTP layer.
type Messages interface {
	Create(ctx context.Context, owner string, req model.CreateRequest) (model.ScheduledMessage, bool, error)
	List(ctx context.Context, ch model.Channel, f model.Filter) ([]model.ScheduledMessage, error)
	Get(ctx context.Context, ch model.Channel, id string) (model.ScheduledMessage, error)
	Patch(ctx context.Context, ch model.Channel, id string, p model.Patch) (model.ScheduledMessage, error)
	Delete(ctx context.Context, ch model.Channel, id string) error
	SendNow(ctx context.Context, ch model.Channel, id, by string) error
}

type Scheduler interface {
	Start() bool
	Stop() bool
	IsRunning() bool
}

type TokenValidator interface {
	Validate(token string) (subject string, err error)
}

type EventStream interface {
	Serve(w http.ResponseWriter, r *http.Request, ch model.Channel)
}

type Handler struct {
	sched    Scheduler
	messages Messages
	tokens   TokenValidator
	events   EventStream
	log      *logging.Logger
}

func NewHandler(s Scheduler, m Messages, tokens TokenValidator, events EventStream, log *logging.Logger) *Handler {
	return &Handler{sched: s, messages: m, tokens: tokens, events: events, log: log}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	ch := channelFrom(r.Context())

	var req model.CreateRequest
	files, err := decodeRequest(w, r, &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	req.Channel = ch
	req.Attachments = files
	req.IdempotencyKey = r.Header.Get(idempotencyHeader)

	m, created, err := h.messages.Create(r.Context(), subjectFrom(r.Context()), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, m)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	f, err := model.ParseFilter(r.URL.Query())
	if err != nil {
		h.writeError(w, r, model.NewValidationError("query", err.Error()))
		return
	}

	items, err := h.messages.List(r.Context(), channelFrom(r.Context()), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []model.ScheduledMessage{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	m, err := h.messages.Get(r.Context(), channelFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) PatchMessage(w http.ResponseWriter, r *http.Request) {
	var p model.Patch
	files, err := decodeRequest(w, r, &p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	p.AddAttachments = files

	m, err := h.messages.Patch(r.Context(), channelFrom(r.Context()), chi.URLParam(r, "id"), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.messages.Delete(r.Context(), channelFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SendNow(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, r, model.NewValidationError("id", "must not be empty"))
		return
	}

	if err := h.messages.SendNow(r.Context(), channelFrom(r.Context()), id, subjectFrom(r.Context())); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "accepted": true})
}

func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	h.events.Serve(w, r, channelFrom(r.Context()))
}

type errorResponse struct {
	Error  string             `json:"error"`
	Fields []model.FieldError `json:"fields,omitempty"`
	ID     string             `json:"id,omitempty"`
	Status model.Status       `json:"status,omitempty"`
	Action string             `json:"action,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve  *model.ValidationError
		ise *model.IllegalStateError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: ve.Error(), Fields: ve.Fields})
	case errors.As(err, &ise):
		writeJSON(w, http.StatusConflict, errorResponse{Error: ise.Error(), ID: ise.ID, Status: ise.Status, Action: ise.Action})
	case errors.Is(err, model.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	default:
		h.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
