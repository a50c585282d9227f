package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/giygas/mediract/logging"
	"github.com/giygas/mediract/metrics"
	"github.com/giygas/mediract/selector"
	"github.com/giygas/mediract/validation"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// liveMessage is what the browser sends on every interaction
type liveMessage struct {
	Action string `json:"action"`
	Value  string `json:"value"`
	Name   string `json:"name"`
	ID     string `json:"id"`
}

// liveUpdate is pushed to the browser after every state change
type liveUpdate struct {
	Version uint64 `json:"version"`
	Input   string `json:"input"`
	HTML    string `json:"html"`
}

// liveClient is one websocket connection bound to a session page
type liveClient struct {
	conn *websocket.Conn
	page *selector.Page
	// touch keeps the session from being swept as idle
	touch func()
}

// LiveView upgrades to a websocket that drives the caller's page. Keystrokes
// and clicks arrive as messages; the rendered state is pushed back after each
// change.
func (h *HTTPHandlerImpl) LiveView(w http.ResponseWriter, r *http.Request) {
	var id string
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		id = cookie.Value
	}

	newID, page, created := h.sessions.GetOrCreate(id)
	header := http.Header{}
	if created {
		header.Add("Set-Cookie", h.sessionCookie(newID).String())
	}

	conn, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		// Upgrade already answered the client
		logging.Warn("Websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	metrics.LiveConnections.Inc()
	defer metrics.LiveConnections.Dec()

	client := &liveClient{
		conn:  conn,
		page:  page,
		touch: func() { h.sessions.Touch(newID) },
	}
	updates, unsubscribe := page.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.writePump(ctx, updates)
	}()

	client.readPump(ctx)

	cancel()
	unsubscribe()
	<-done
	if err := conn.Close(); err != nil {
		logging.Debug("Failed to close websocket", "error", err)
	}
}

// readPump dispatches browser messages until the connection ends. Page
// actions run in their own goroutines so a slow search never delays the next
// keystroke, which is what lets it supersede the slow one.
func (c *liveClient) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	// an open page answers pings, so it counts as in use
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("Websocket closed unexpectedly", "error", err)
			}
			return
		}
		c.touch()
		if messageType != websocket.TextMessage {
			continue
		}

		var msg liveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Debug("Ignoring malformed live message", "error", err)
			continue
		}
		c.dispatch(ctx, msg)
	}
}

func (c *liveClient) dispatch(ctx context.Context, msg liveMessage) {
	switch msg.Action {
	case "input":
		if err := validation.ValidateQuery(msg.Value); err != nil {
			logging.Debug("Rejected live query", "error", err)
			return
		}
		go func() {
			if err := c.page.Type(ctx, msg.Value); err != nil && !errors.Is(err, selector.ErrSuperseded) {
				logging.Debug("Live search failed", "error", err)
			}
		}()

	case "select", "remove":
		candidate, err := validation.ValidateCandidate(msg.Name, msg.ID)
		if err != nil {
			logging.Debug("Rejected live candidate", "error", err)
			return
		}
		go func() {
			if msg.Action == "select" {
				_ = c.page.Select(ctx, candidate)
				return
			}
			_ = c.page.Remove(ctx, candidate)
		}()

	case "clear":
		c.page.Clear()

	case "dismiss":
		c.page.DismissError()

	default:
		logging.Debug("Unknown live action", "action", msg.Action)
	}
}

// writePump is the only writer on the connection: it sends the current
// state first, then every update, and keeps the connection alive with pings
func (c *liveClient) writePump(ctx context.Context, updates <-chan selector.Snapshot) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	if err := c.send(c.page.Snapshot()); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			c.closeMessage()
			return

		case snap, ok := <-updates:
			if !ok {
				// session expired, closing the conn also ends readPump
				c.closeMessage()
				_ = c.conn.Close()
				return
			}
			if err := c.send(snap); err != nil {
				logging.Debug("Failed to push live update", "error", err)
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *liveClient) send(snap selector.Snapshot) error {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, "state", snap); err != nil {
		logging.Error("Failed to render live state", "error", err)
		return err
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(liveUpdate{
		Version: snap.Version,
		Input:   snap.Input,
		HTML:    buf.String(),
	})
}

func (c *liveClient) closeMessage() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
