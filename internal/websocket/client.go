package chatws

import (
	"errors"
	"sync"
	"time"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

const writeWait = 10 * time.Second

// wsConn is the slice of *websocket.Conn the client needs; tests substitute
// an in-memory fake.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client wraps one websocket connection and serializes outbound writes
// through a buffered channel. The user identity comes from the validated
// token at upgrade time and never changes for the connection's lifetime.
type Client struct {
	ID     string
	UserID string

	conn   wsConn
	send   chan []byte
	once   sync.Once
	closed chan struct{}
}

func NewClient(userID string, conn wsConn) *Client {
	return &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

// Send enqueues payload for delivery. A slow client that fills the buffer
// is disconnected so backpressure stays bounded.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	case c.send <- payload:
		return nil
	default:
		c.Close()
		return errors.New("send buffer full")
	}
}

func (c *Client) Close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// WritePump drains the send queue onto the socket. It must run in its own
// goroutine, exactly once per connection.
func (c *Client) WritePump() {
	defer c.Close()

	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
