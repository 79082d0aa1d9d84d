package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
	"github.com/LeventeLantos/scheduled-dispatch/internal/session"
)

// Subscribe opens the channel's status stream. The returned channel is closed
// when ctx is done or the connection drops; callers fall back to List then.
func (g *HTTPGateway) Subscribe(ctx context.Context) (<-chan model.StatusEvent, error) {
	conn, err := g.dial(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan model.StatusEvent, 16)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		for {
			var ev model.StatusEvent
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			if ev.Channel == "" {
				ev.Channel = g.channel
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (g *HTTPGateway) eventsURL() string {
	u := g.resource("events")
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func (g *HTTPGateway) dial(ctx context.Context) (*websocket.Conn, error) {
	tok, err := g.session.Token(ctx)
	if err != nil {
		return nil, err
	}

	conn, status, err := g.dialWith(ctx, tok)
	if err == nil {
		return conn, nil
	}
	if status != http.StatusUnauthorized {
		return nil, err
	}

	tok, err = g.session.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	conn, status, err = g.dialWith(ctx, tok)
	if err == nil {
		return conn, nil
	}
	if status == http.StatusUnauthorized {
		return nil, fmt.Errorf("subscribe: %w", session.ErrAuthExpired)
	}
	return nil, err
}

func (g *HTTPGateway) dialWith(ctx context.Context, tok string) (*websocket.Conn, int, error) {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, g.eventsURL(), h)
	if err == nil {
		return conn, 0, nil
	}
	status := 0
	if resp != nil {
		status = resp.StatusCode
		_ = resp.Body.Close()
	}
	if errors.Is(err, websocket.ErrBadHandshake) && status == http.StatusNotFound {
		return nil, status, fmt.Errorf("subscribe: %w", model.ErrNotFound)
	}
	return nil, status, &model.NetworkError{Op: "subscribe", Err: err}
}
