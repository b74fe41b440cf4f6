package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/governor/internal/api/ws"
	"github.com/GriffinCanCode/governor/internal/domain/events"
)

// TailFunc receives live feed frames in order: the snapshot first, then
// one frame per event. Returning an error stops the tail.
type TailFunc func(msg ws.Message) error

// Tail follows the live event feed until the server closes it, ctx is done
// or fn fails. The returned reason is the server's close reason, empty when
// the tail ended on the client side.
func (c *Client) Tail(ctx context.Context, fn TailFunc) (events.CloseReason, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/stream"

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return "", &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		}
		return "", &UnreachableError{Err: err}
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return "", nil
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return events.CloseReason(ce.Text), nil
			}
			return "", err
		}

		var msg ws.Message
		if err := unmarshal(data, &msg); err != nil {
			c.log.Warn("undecodable live feed frame", zap.Error(err))
			continue
		}
		if err := fn(msg); err != nil {
			return "", err
		}
	}
}

// IsUnavailable reports whether err is the server refusing service while
// degraded or shutting down.
func IsUnavailable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable
}
