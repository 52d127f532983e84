package replychan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// EndSentinel is the in-band marker terminating one reply's chunk stream.
const EndSentinel = "[END]"

// ErrNotReady is returned by Send when the channel is not open.
var ErrNotReady = errors.New("reply channel not ready")

// ChannelError reports a connection refusal while opening.
type ChannelError struct {
	Detail string
}

func (e *ChannelError) Error() string {
	return "reply channel error: " + e.Detail
}

// ClosedError reports an unexpected closure, possibly mid-turn. The channel
// does not reconnect; ending the session is the only recovery path.
type ClosedError struct {
	Detail string
}

func (e *ClosedError) Error() string {
	return "reply channel closed: " + e.Detail
}

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosed       State = "closed"
)

// Message is one inbound item from the chat backend. Exactly one of Text,
// End, or Err is meaningful.
type Message struct {
	Text string
	End  bool
	Err  error
}

type outboundFrame struct {
	Action          string `json:"action"`
	Message         string `json:"message"`
	CustomSessionID string `json:"custom_session_id"`
}

// Channel is a long-lived duplex connection to the chat backend, opened once
// per avatar session. Inbound chunks are delivered strictly in arrival order.
type Channel struct {
	url string

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	messages  chan Message
}

func New(url string) *Channel {
	return &Channel{
		url:      url,
		state:    StateDisconnected,
		messages: make(chan Message, 256),
	}
}

// Open establishes the connection. It resolves once the websocket handshake
// completes and fails with a ChannelError on refusal.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("open in state %q", state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return &ChannelError{Detail: err.Error()}
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	go c.readLoop()
	return nil
}

// Send transmits one chat turn tagged with the custom session id.
func (c *Channel) Send(sessionID, text string) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return ErrNotReady
	}

	frame := outboundFrame{
		Action:          "MESSAGE",
		Message:         text,
		CustomSessionID: sessionID,
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return &ChannelError{Detail: fmt.Sprintf("encode frame: %v", err)}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return &ClosedError{Detail: err.Error()}
	}
	return nil
}

// Messages returns the inbound stream. It is closed when the channel closes
// for any reason; an unexpected closure delivers a final Message carrying a
// ClosedError first.
func (c *Channel) Messages() <-chan Message { return c.messages }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close tears down the connection. Safe to call when already closed.
func (c *Channel) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		c.state = StateClosed
		c.mu.Unlock()
		if conn != nil {
			retErr = conn.Close()
		} else {
			close(c.messages)
		}
	})
	return retErr
}

func (c *Channel) readLoop() {
	defer close(c.messages)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			expected := c.state == StateClosed
			c.state = StateClosed
			c.mu.Unlock()
			if !expected {
				c.messages <- Message{Err: &ClosedError{Detail: err.Error()}}
				_ = c.conn.Close()
			}
			return
		}
		chunk := string(data)
		if chunk == EndSentinel {
			c.messages <- Message{End: true}
			continue
		}
		c.messages <- Message{Text: chunk}
	}
}
