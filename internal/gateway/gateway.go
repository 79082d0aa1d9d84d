// Package gateway is the only client component that talks to the dispatch
// backend. Each channel gets its own Gateway; all share the same contract.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
	"github.com/LeventeLantos/scheduled-dispatch/internal/session"
)

// IdempotencyHeader carries the draft's key on create.
const IdempotencyHeader = "Idempotency-Key"

type Gateway interface {
	Channel() model.Channel
	Create(ctx context.Context, req model.CreateRequest) (model.ScheduledMessage, error)
	List(ctx context.Context, f model.Filter) ([]model.ScheduledMessage, error)
	Get(ctx context.Context, id string) (model.ScheduledMessage, error)
	Patch(ctx context.Context, id string, p model.Patch) (model.ScheduledMessage, error)
	Delete(ctx context.Context, id string) error
	// SendNow returns once the backend accepted the request. The resulting
	// status must be observed through List, Get or Subscribe.
	SendNow(ctx context.Context, id string) error
	Subscribe(ctx context.Context) (<-chan model.StatusEvent, error)
}

type HTTPGateway struct {
	channel model.Channel
	baseURL string
	session session.Session
	client  *http.Client
}

var _ Gateway = (*HTTPGateway)(nil)

type Option func(*HTTPGateway)

func WithHTTPClient(c *http.Client) Option {
	return func(g *HTTPGateway) { g.client = c }
}

// New returns the gateway for one channel. baseURL is the backend root, e.g.
// "https://dispatch.example.com".
func New(ch model.Channel, baseURL string, s session.Session, opts ...Option) (*HTTPGateway, error) {
	if _, err := model.ParseChannel(string(ch)); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.New("session must not be nil")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	g := &HTTPGateway{
		channel: ch,
		baseURL: strings.TrimRight(baseURL, "/"),
		session: s,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *HTTPGateway) Channel() model.Channel { return g.channel }

func (g *HTTPGateway) resource(parts ...string) string {
	p := g.baseURL + "/v1/" + string(g.channel)
	for _, s := range parts {
		p += "/" + url.PathEscape(s)
	}
	return p
}

type createBody struct {
	Subject     string            `json:"subject,omitempty"`
	Body        string            `json:"body"`
	Recipients  []model.Recipient `json:"recipients"`
	ScheduledAt time.Time         `json:"scheduledAt"`
}

func (g *HTTPGateway) Create(ctx context.Context, req model.CreateRequest) (model.ScheduledMessage, error) {
	if req.Channel == "" {
		req.Channel = g.channel
	}
	if req.Channel != g.channel {
		return model.ScheduledMessage{}, model.NewValidationError("channel", fmt.Sprintf("gateway is for %s, request is for %s", g.channel, req.Channel))
	}
	if err := req.Validate(); err != nil {
		return model.ScheduledMessage{}, err
	}

	payload := createBody{
		Subject:     req.Subject,
		Body:        req.Body,
		Recipients:  req.Recipients,
		ScheduledAt: req.ScheduledAt,
	}
	body, contentType, err := encodeBody(payload, req.Attachments)
	if err != nil {
		return model.ScheduledMessage{}, err
	}

	resp, err := g.do(ctx, "create", func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, g.resource(), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", contentType)
		if req.IdempotencyKey != "" {
			r.Header.Set(IdempotencyHeader, req.IdempotencyKey)
		}
		return r, nil
	})
	if err != nil {
		return model.ScheduledMessage{}, err
	}

	var m model.ScheduledMessage
	if err := decodeResponse(resp, "create", &m, http.StatusCreated, http.StatusOK); err != nil {
		return model.ScheduledMessage{}, err
	}
	return m, nil
}

type listResponse struct {
	Items []model.ScheduledMessage `json:"items"`
}

func (g *HTTPGateway) List(ctx context.Context, f model.Filter) ([]model.ScheduledMessage, error) {
	target := g.resource()
	if q := f.Values().Encode(); q != "" {
		target += "?" + q
	}
	resp, err := g.do(ctx, "list", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	})
	if err != nil {
		return nil, err
	}

	var lr listResponse
	if err := decodeResponse(resp, "list", &lr, http.StatusOK); err != nil {
		return nil, err
	}
	if lr.Items == nil {
		lr.Items = []model.ScheduledMessage{}
	}
	return lr.Items, nil
}

func (g *HTTPGateway) Get(ctx context.Context, id string) (model.ScheduledMessage, error) {
	resp, err := g.do(ctx, "get", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, g.resource(id), nil)
	})
	if err != nil {
		return model.ScheduledMessage{}, err
	}
	var m model.ScheduledMessage
	if err := decodeResponse(resp, "get", &m, http.StatusOK); err != nil {
		return model.ScheduledMessage{}, err
	}
	return m, nil
}

func (g *HTTPGateway) Patch(ctx context.Context, id string, p model.Patch) (model.ScheduledMessage, error) {
	if err := p.Validate(g.channel); err != nil {
		return model.ScheduledMessage{}, err
	}
	body, contentType, err := encodeBody(p, p.AddAttachments)
	if err != nil {
		return model.ScheduledMessage{}, err
	}

	resp, err := g.do(ctx, "patch", func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPatch, g.resource(id), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", contentType)
		return r, nil
	})
	if err != nil {
		return model.ScheduledMessage{}, err
	}

	var m model.ScheduledMessage
	if err := decodeResponse(resp, "patch", &m, http.StatusOK); err != nil {
		return model.ScheduledMessage{}, err
	}
	return m, nil
}

func (g *HTTPGateway) Delete(ctx context.Context, id string) error {
	resp, err := g.do(ctx, "delete", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodDelete, g.resource(id), nil)
	})
	if err != nil {
		return err
	}
	return decodeResponse(resp, "delete", nil, http.StatusNoContent, http.StatusOK)
}

func (g *HTTPGateway) SendNow(ctx context.Context, id string) error {
	target := g.resource("send") + "?" + url.Values{"id": {id}}.Encode()
	resp, err := g.do(ctx, "send now", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	})
	if err != nil {
		return err
	}
	return decodeResponse(resp, "send now", nil, http.StatusAccepted)
}

// do sends the request built by build with the session credential. On a 401
// it asks the session for exactly one refresh and retries once; a failing
// refresh is returned as is.
func (g *HTTPGateway) do(ctx context.Context, op string, build func(context.Context) (*http.Request, error)) (*http.Response, error) {
	tok, err := g.session.Token(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := g.send(ctx, op, build, tok)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	drain(resp)

	tok, err = g.session.Refresh(ctx)
	if err != nil {
		return nil, err
	}

	resp, err = g.send(ctx, op, build, tok)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		return nil, fmt.Errorf("%s: %w", op, session.ErrAuthExpired)
	}
	return resp, nil
}

func (g *HTTPGateway) send(ctx context.Context, op string, build func(context.Context) (*http.Request, error), tok string) (*http.Response, error) {
	req, err := build(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &model.NetworkError{Op: op, Err: err}
	}
	return resp, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// errorBody is the error envelope written by the backend.
type errorBody struct {
	Error  string             `json:"error"`
	Fields []model.FieldError `json:"fields,omitempty"`
	ID     string             `json:"id,omitempty"`
	Status model.Status       `json:"status,omitempty"`
	Action string             `json:"action,omitempty"`
}

func decodeResponse(resp *http.Response, op string, out any, ok ...int) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &model.NetworkError{Op: op, Err: err}
	}

	for _, code := range ok {
		if resp.StatusCode != code {
			continue
		}
		if out == nil || len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%s: failed to decode json: %w body=%q", op, err, string(body))
		}
		return nil
	}

	var eb errorBody
	_ = json.Unmarshal(body, &eb)

	switch resp.StatusCode {
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		if len(eb.Fields) == 0 {
			eb.Fields = []model.FieldError{{Field: "request", Reason: eb.Error}}
		}
		return &model.ValidationError{Fields: eb.Fields}
	case http.StatusConflict:
		return &model.IllegalStateError{ID: eb.ID, Status: eb.Status, Action: eb.Action}
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, model.ErrNotFound)
	default:
		return &model.NetworkError{Op: op, Err: fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))}
	}
}

// encodeBody writes payload as JSON, or as multipart/form-data with a
// "payload" JSON part plus one "attachments" part per file when files are
// present.
func encodeBody(payload any, files []model.NewAttachment) ([]byte, string, error) {
	js, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	if len(files) == 0 {
		return js, "application/json", nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{"name": "payload"}))
	h.Set("Content-Type", "application/json")
	pw, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := pw.Write(js); err != nil {
		return nil, "", err
	}

	for _, f := range files {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
			"name":     "attachments",
			"filename": f.Name,
		}))
		ct := f.MimeType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		fw, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := fw.Write(f.Content); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
