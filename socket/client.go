package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"chorus/chat-sync/config"
	"chorus/chat-sync/models"
	"chorus/chat-sync/services"
	"chorus/chat-sync/utils"
)

var _ services.Channel = (*Client)(nil)

type ClientOptions struct {
	BaseURL           string
	Token             string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	Clock             clock.Clock
}

// ClientOptionsFromConfig fills the reconnect policy and base URL from cfg.
func ClientOptionsFromConfig(cfg *config.Config, token string) ClientOptions {
	return ClientOptions{
		BaseURL:           cfg.SocketURL,
		Token:             token,
		ReconnectAttempts: cfg.SocketReconnectAttempts,
		ReconnectDelay:    cfg.SocketReconnectDelay,
	}
}

// Client is the reconnecting client side of a room's socket channel.
// Listeners survive Disconnect and reconnects; Close drops them.
type Client struct {
	opts   ClientOptions
	dialer *websocket.Dialer
	logger *utils.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	roomID   string
	attempts int
	epoch    uint64
	manual   bool

	writeMu sync.Mutex

	lmu       sync.RWMutex
	nextID    uint64
	listeners map[string]map[uint64]func(models.SocketEvent)
}

func NewClient(opts ClientOptions, logger *utils.Logger) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Client{
		opts:      opts,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:    logger,
		listeners: make(map[string]map[uint64]func(models.SocketEvent)),
	}
}

func (c *Client) roomURL(roomID string) string {
	base := strings.TrimSuffix(c.opts.BaseURL, "/")
	return fmt.Sprintf("%s/ws/chat/%s?token=%s", base, url.PathEscape(roomID), url.QueryEscape(c.opts.Token))
}

// Connect dials the channel of roomID, replacing any current connection.
// A failed dial is returned and retried under the reconnect policy.
func (c *Client) Connect(ctx context.Context, roomID string) error {
	c.mu.Lock()
	old := c.conn
	c.conn = nil
	c.epoch++
	epoch := c.epoch
	c.roomID = roomID
	c.attempts = 0
	c.manual = false
	c.mu.Unlock()

	if old != nil {
		closeNormally(old)
	}
	err := c.dial(ctx, epoch)
	if err != nil && !errors.Is(err, ErrNotConnected) {
		c.scheduleReconnect(epoch)
	}
	return err
}

func (c *Client) dial(ctx context.Context, epoch uint64) error {
	c.mu.Lock()
	roomID := c.roomID
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.roomURL(roomID), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		c.logger.Warn("Socket connect failed", "room_id", roomID, "status", status, "error", err)
		return fmt.Errorf("failed to connect to room %s: %w", roomID, err)
	}

	c.mu.Lock()
	if c.epoch != epoch || c.manual {
		c.mu.Unlock()
		closeNormally(conn)
		return ErrNotConnected
	}
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()

	c.logger.Info("Socket connected", "room_id", roomID)
	c.emit(models.SocketEvent{Type: models.EventConnected, RoomID: roomID})
	go c.readLoop(conn, epoch, roomID)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, epoch uint64, roomID string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, epoch, roomID, err)
			return
		}
		var evt models.SocketEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Warn("Failed to parse socket event", "room_id", roomID, "error", err)
			continue
		}
		if evt.Type == "" && evt.Error != "" {
			evt.Type = models.EventError
		}
		c.emit(evt)
	}
}

func (c *Client) handleClose(conn *websocket.Conn, epoch uint64, roomID string, err error) {
	code := websocket.CloseAbnormalClosure
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	if c.conn == conn {
		c.conn = nil
	}
	retry := !c.manual && code != websocket.CloseNormalClosure
	c.mu.Unlock()
	_ = conn.Close()

	c.logger.Info("Socket disconnected", "room_id", roomID, "code", code)
	c.emit(models.SocketEvent{Type: models.EventDisconnected, RoomID: roomID})
	if retry {
		c.scheduleReconnect(epoch)
	}
}

func (c *Client) scheduleReconnect(epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch || c.manual || c.attempts >= c.opts.ReconnectAttempts {
		c.mu.Unlock()
		return
	}
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	c.logger.Info("Scheduling socket reconnect", "attempt", attempt, "max", c.opts.ReconnectAttempts)
	c.opts.Clock.AfterFunc(c.opts.ReconnectDelay, func() {
		if err := c.dial(context.Background(), epoch); err != nil && !errors.Is(err, ErrNotConnected) {
			c.scheduleReconnect(epoch)
		}
	})
}

// Attempts returns the reconnect attempts made since the last successful open.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Disconnect closes the connection with a normal closure; no reconnect follows.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.manual = true
	c.epoch++
	c.mu.Unlock()

	if conn != nil {
		closeNormally(conn)
		c.emit(models.SocketEvent{Type: models.EventDisconnected, RoomID: c.currentRoom()})
	}
}

func (c *Client) currentRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// Close disconnects and drops every listener.
func (c *Client) Close() {
	c.Disconnect()
	c.lmu.Lock()
	c.listeners = make(map[string]map[uint64]func(models.SocketEvent))
	c.lmu.Unlock()
}

func closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "User disconnected")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

// On registers fn for events of eventType and returns its disposer.
func (c *Client) On(eventType string, fn func(models.SocketEvent)) func() {
	c.lmu.Lock()
	c.nextID++
	id := c.nextID
	if _, ok := c.listeners[eventType]; !ok {
		c.listeners[eventType] = make(map[uint64]func(models.SocketEvent))
	}
	c.listeners[eventType][id] = fn
	c.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.lmu.Lock()
			delete(c.listeners[eventType], id)
			c.lmu.Unlock()
		})
	}
}

func (c *Client) emit(evt models.SocketEvent) {
	c.lmu.RLock()
	fns := make([]func(models.SocketEvent), 0, len(c.listeners[evt.Type]))
	for _, fn := range c.listeners[evt.Type] {
		fns = append(fns, fn)
	}
	c.lmu.RUnlock()

	for _, fn := range fns {
		c.invoke(fn, evt)
	}
}

func (c *Client) invoke(fn func(models.SocketEvent), evt models.SocketEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Socket listener panicked", "type", evt.Type, "panic", r)
		}
	}()
	fn(evt)
}

// Send writes evt to the open connection.
func (c *Client) Send(evt models.SocketEvent) error {
	c.mu.Lock()
	conn := c.conn
	if evt.RoomID == "" {
		evt.RoomID = c.roomID
	}
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(evt); err != nil {
		return fmt.Errorf("failed to send %s: %w", evt.Type, err)
	}
	return nil
}

func (c *Client) SendMessage(text, messageID string) error {
	return c.Send(models.SocketEvent{
		Type:      models.EventChatMessage,
		Message:   text,
		MessageID: messageID,
		Timestamp: c.opts.Clock.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (c *Client) SendTyping(isTyping bool) error {
	return c.Send(models.SocketEvent{Type: models.EventTyping, IsTyping: isTyping})
}

func (c *Client) SendReadReceipt(messageID string) error {
	return c.Send(models.SocketEvent{Type: models.EventReadReceipt, MessageID: messageID})
}
