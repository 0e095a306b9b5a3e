package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gwi.com/gemini-chat/internal/auth"
	"gwi.com/gemini-chat/internal/core"
	"gwi.com/gemini-chat/internal/metrics"
)

const (
	NamespaceChat  = "chat"
	NamespaceVoice = "voice"

	eventConnected       = "connected"
	eventConnectionID    = "connection_id"
	eventConnectionVoice = "connection_voice"
	eventMessage         = "message"
	eventAudioData       = "audioData"

	defaultChatReadLimit = 64 << 10
	// Room for the envelope and the id fields around the payload.
	frameOverhead = 4 << 10
)

// ChatReadLimit sizes chat frames so that any query of up to maxQueryLength
// characters is read and validated rather than dropping the connection. A
// JSON-escaped code point outside the BMP takes twelve bytes.
func ChatReadLimit(maxQueryLength int) int64 {
	return int64(maxQueryLength)*12 + frameOverhead
}

// VoiceReadLimit sizes voice frames for uploads of up to maxAudioBytes, which
// grow by a third when base64 encoded in a JSON envelope.
func VoiceReadLimit(maxAudioBytes int64) int64 {
	return maxAudioBytes*4/3 + frameOverhead
}

// MessageHandler processes chat message events.
type MessageHandler interface {
	HandleMessage(ctx context.Context, ev core.MessageEvent, out core.Emitter) error
}

// AudioHandler processes audio upload events.
type AudioHandler interface {
	HandleAudio(ctx context.Context, ev core.AudioEvent, out core.Emitter) error
}

type Options struct {
	AllowedOrigins  []string
	EventsPerSecond float64
	EventBurst      int
	MaxInflight     int
	ChatReadLimit   int64
	VoiceReadLimit  int64
	Debug           bool
}

type messagePayload struct {
	SocketID    string `json:"socket_id"`
	SessionID   string `json:"session_id"`
	MessageID   string `json:"message_id"`
	MessageText string `json:"message_text"`
	Email       string `json:"email"`
}

type audioPayload struct {
	Data []byte `json:"data"`
}

// room addresses one connection through the hub. Replies for a connection
// that has gone away fail with ErrConnectionClosed.
type room struct {
	hub *Hub
	id  string
}

func (r room) Emit(event string, payload any) error {
	return r.hub.EmitTo(r.id, event, payload)
}

type routeFunc func(ctx context.Context, c *Conn, messageType int, data []byte)

type Handler struct {
	hub      *Hub
	chat     MessageHandler
	voice    AudioHandler
	opts     Options
	upgrader websocket.Upgrader
	tasks    sync.WaitGroup
}

// NewHandler builds the websocket endpoints. voice may be nil, in which case
// the voice endpoint answers 503.
func NewHandler(hub *Hub, chat MessageHandler, voice AudioHandler, opts Options) *Handler {
	if opts.EventsPerSecond <= 0 {
		opts.EventsPerSecond = 5
	}
	if opts.EventBurst <= 0 {
		opts.EventBurst = 10
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 4
	}
	if opts.ChatReadLimit <= 0 {
		opts.ChatReadLimit = defaultChatReadLimit
	}
	if opts.VoiceReadLimit <= 0 {
		opts.VoiceReadLimit = 16 << 20
	}

	h := &Handler{hub: hub, chat: chat, voice: voice, opts: opts}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) ServeChat(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, NamespaceChat, h.opts.ChatReadLimit, h.routeChat)
}

func (h *Handler) ServeVoice(w http.ResponseWriter, r *http.Request) {
	if h.voice == nil {
		http.Error(w, "voice transcription unavailable", http.StatusServiceUnavailable)
		return
	}
	h.serve(w, r, NamespaceVoice, h.opts.VoiceReadLimit, h.routeVoice)
}

// Wait blocks until every dispatched event task has finished.
func (h *Handler) Wait() {
	h.tasks.Wait()
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, namespace string, readLimit int64, route routeFunc) {
	email, ok := auth.EmailFromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}

	c := newConn(uuid.NewString(), email, namespace, ws, h.opts)
	h.hub.add(c)
	metrics.Connections.WithLabelValues(namespace).Inc()
	log.Printf("[websocket] %s connection %s opened for %s (%d open)", namespace, c.id, email, h.hub.Len())

	// Cancelled when the connection goes away, aborting its in-flight calls.
	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		c.close()
		h.hub.remove(c)
		metrics.Connections.WithLabelValues(namespace).Dec()
		log.Printf("[websocket] %s connection %s closed (%d open)", namespace, c.id, h.hub.Len())
	}()

	go c.writePump()
	c.Emit(eventConnected, map[string]string{"connection_id": c.id})

	ws.SetReadLimit(readLimit)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[websocket] read error on %s: %v", c.id, err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))

		if !c.limiter.Allow() {
			emitError(c, core.ErrorRateLimited, "too many events, slow down")
			continue
		}
		if err := c.inflight.Acquire(ctx, 1); err != nil {
			return
		}
		// Waiting for a free slot may have outlasted the read deadline.
		ws.SetReadDeadline(time.Now().Add(pongWait))

		h.tasks.Add(1)
		go func() {
			defer h.tasks.Done()
			defer c.inflight.Release(1)
			route(ctx, c, messageType, data)
		}()
	}
}

func (h *Handler) routeChat(ctx context.Context, c *Conn, messageType int, data []byte) {
	env, ok := decodeEnvelope(c, messageType, data)
	if !ok {
		return
	}

	switch env.Event {
	case eventMessage:
		var p messagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			emitError(c, core.ErrorValidation, "invalid message payload")
			return
		}
		if p.Email != "" && !strings.EqualFold(p.Email, c.email) {
			emitError(c, core.ErrorValidation, "email does not match the signed-in user")
			return
		}
		sessionID := p.SessionID
		if sessionID == "" {
			sessionID = p.SocketID
		}
		if h.opts.Debug {
			log.Printf("[websocket] message %s on session %s via %s (%d chars)", p.MessageID, sessionID, c.id, len(p.MessageText))
		}

		err := h.chat.HandleMessage(ctx, core.MessageEvent{
			ConnectionID: c.id,
			SessionID:    sessionID,
			MessageID:    p.MessageID,
			OwnerEmail:   c.email,
			Query:        p.MessageText,
		}, room{hub: h.hub, id: c.ID()})
		if err != nil && h.opts.Debug {
			log.Printf("[websocket] message %s failed: %v", p.MessageID, err)
		}
	case eventConnectionID:
		log.Printf("[websocket] client on %s reported connection id %s", c.id, string(env.Data))
	default:
		emitError(c, core.ErrorValidation, "unsupported event: "+env.Event)
	}
}

func (h *Handler) routeVoice(ctx context.Context, c *Conn, messageType int, data []byte) {
	if messageType == websocket.BinaryMessage {
		h.handleAudio(ctx, c, data)
		return
	}

	env, ok := decodeEnvelope(c, messageType, data)
	if !ok {
		return
	}

	switch env.Event {
	case eventAudioData:
		var p audioPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			emitError(c, core.ErrorValidation, "invalid audio payload")
			return
		}
		h.handleAudio(ctx, c, p.Data)
	case eventConnectionVoice:
		log.Printf("[websocket] voice client connected on %s", c.id)
	default:
		emitError(c, core.ErrorValidation, "unsupported event: "+env.Event)
	}
}

func (h *Handler) handleAudio(ctx context.Context, c *Conn, audio []byte) {
	if h.opts.Debug {
		log.Printf("[websocket] audio upload on %s (%d bytes)", c.id, len(audio))
	}
	if err := h.voice.HandleAudio(ctx, core.AudioEvent{ConnectionID: c.id, Data: audio}, room{hub: h.hub, id: c.ID()}); err != nil && h.opts.Debug {
		log.Printf("[websocket] audio upload on %s failed: %v", c.id, err)
	}
}

func decodeEnvelope(c *Conn, messageType int, data []byte) (Envelope, bool) {
	var env Envelope
	if messageType != websocket.TextMessage {
		emitError(c, core.ErrorValidation, "expected a JSON text frame")
		return env, false
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		emitError(c, core.ErrorValidation, "invalid event frame")
		return env, false
	}
	return env, true
}

func emitError(c *Conn, code core.ErrorCode, message string) {
	if err := c.Emit(core.EventError, core.ErrorReply{Code: code, Message: message}); err != nil {
		log.Printf("[websocket] failed to emit error on %s: %v", c.id, err)
	}
}
