package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 32
)

var (
	ErrConnectionClosed = errors.New("realtime: connection closed")
	errSendBufferFull   = errors.New("realtime: send buffer full")
)

// Envelope is the JSON frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Conn is one websocket connection. All writes go through a single writer
// goroutine; Emit is safe for concurrent use.
type Conn struct {
	id        string
	email     string
	namespace string
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	limiter  *rate.Limiter
	inflight *semaphore.Weighted
}

func newConn(id, email, namespace string, ws *websocket.Conn, opts Options) *Conn {
	return &Conn{
		id:        id,
		email:     email,
		namespace: namespace,
		ws:        ws,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		limiter:   rate.NewLimiter(rate.Limit(opts.EventsPerSecond), opts.EventBurst),
		inflight:  semaphore.NewWeighted(int64(opts.MaxInflight)),
	}
}

func (c *Conn) ID() string { return c.id }

// Emit queues a named event for this connection.
func (c *Conn) Emit(event string, payload any) error {
	data, err := json.Marshal(outbound{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event, err)
	}

	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return errSendBufferFull
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Printf("[websocket] write failed on %s connection %s: %v", c.namespace, c.id, err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
