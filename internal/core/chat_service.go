package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"gwi.com/gemini-chat/internal/metrics"
	"gwi.com/gemini-chat/internal/store"
)

const (
	defaultMaxQueryLength    = 5000
	defaultMaxResponseLength = 20000
	defaultGenerationTimeout = 60 * time.Second
)

var errForeignSession = newError(ErrorValidation, "session belongs to another user", nil)

// ConversationStore is the session registry and exchange ledger the chat
// service writes through.
type ConversationStore interface {
	EnsureSession(ctx context.Context, sessionID, ownerEmail string) (*store.Session, error)
	GetSession(ctx context.Context, sessionID string) (*store.Session, error)
	AppendExchange(ctx context.Context, ex *store.Exchange) error
	GetExchange(ctx context.Context, messageID string) (*store.Exchange, error)
	ListExchangesBySession(ctx context.Context, sessionID string) ([]store.Exchange, error)
	SummarizeByOwner(ctx context.Context, ownerEmail string) ([]store.Exchange, error)
	ClearOwner(ctx context.Context, ownerEmail string) (int64, error)
}

type ChatOptions struct {
	MaxQueryLength    int
	MaxResponseLength int
	GenerationTimeout time.Duration
}

// MessageEvent is one inbound chat message. ConnectionID identifies the
// transport connection; SessionID the durable conversation.
type MessageEvent struct {
	ConnectionID string
	SessionID    string
	MessageID    string
	OwnerEmail   string
	Query        string
}

type ChatService struct {
	dbStore   ConversationStore
	generator Generator
	renderer  *Renderer
	opts      ChatOptions
}

func NewChatService(db ConversationStore, gen Generator, renderer *Renderer, opts ChatOptions) *ChatService {
	if opts.MaxQueryLength <= 0 {
		opts.MaxQueryLength = defaultMaxQueryLength
	}
	if opts.MaxResponseLength <= 0 {
		opts.MaxResponseLength = defaultMaxResponseLength
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = defaultGenerationTimeout
	}
	if renderer == nil {
		renderer = NewRenderer()
	}
	return &ChatService{
		dbStore:   db,
		generator: gen,
		renderer:  renderer,
		opts:      opts,
	}
}

// HandleMessage runs one inbound message through validation, generation,
// rendering and persistence, and emits either a message or an error event to
// out. The returned error mirrors what was emitted.
func (s *ChatService) HandleMessage(ctx context.Context, ev MessageEvent, out Emitter) error {
	reply, err := s.exchange(ctx, ev)
	if err != nil {
		s.emitError(out, ev, err)
		metrics.ExchangesTotal.WithLabelValues(outcomeFor(err)).Inc()
		return err
	}

	if err := out.Emit(EventMessage, reply); err != nil {
		log.Printf("[chat] failed to emit reply for message %s on connection %s: %v", ev.MessageID, ev.ConnectionID, err)
	}
	return nil
}

func (s *ChatService) exchange(ctx context.Context, ev MessageEvent) (MessageReply, error) {
	if err := s.validate(ev); err != nil {
		return MessageReply{}, err
	}
	if err := s.checkOwner(ctx, ev.SessionID, ev.OwnerEmail); err != nil {
		return MessageReply{}, err
	}

	// A retried delivery of an already stored message is answered from the ledger.
	if reply, ok, err := s.replay(ctx, ev); err != nil || ok {
		if ok {
			metrics.ExchangesTotal.WithLabelValues(metrics.OutcomeReplayed).Inc()
		}
		return reply, err
	}

	html, err := s.generate(ctx, ev)
	if err != nil {
		return MessageReply{}, err
	}

	session, err := s.dbStore.EnsureSession(ctx, ev.SessionID, ev.OwnerEmail)
	if err != nil {
		if errors.Is(err, store.ErrReferential) {
			return MessageReply{}, newError(ErrorValidation, "unknown user", err)
		}
		log.Printf("[chat] failed to ensure session %s: %v", ev.SessionID, err)
		return MessageReply{}, newError(ErrorPersistence, "could not store the conversation, please try again", err)
	}
	// The session may have been created by someone else since checkOwner ran.
	if session.OwnerEmail != ev.OwnerEmail {
		return MessageReply{}, errForeignSession
	}

	ex := &store.Exchange{
		MessageID: ev.MessageID,
		SessionID: ev.SessionID,
		Query:     ev.Query,
		Response:  html,
	}
	err = s.dbStore.AppendExchange(ctx, ex)
	switch {
	case err == nil:
		metrics.ExchangesTotal.WithLabelValues(metrics.OutcomeOK).Inc()
		return replyFor(ex), nil
	case errors.Is(err, store.ErrDuplicateMessage):
		// Lost a race with a concurrent delivery of the same message.
		reply, ok, err := s.replay(ctx, ev)
		if err != nil {
			return MessageReply{}, err
		}
		if !ok {
			return MessageReply{}, newError(ErrorPersistence, "could not store the conversation, please try again",
				fmt.Errorf("duplicate message %s not found on reload", ev.MessageID))
		}
		metrics.ExchangesTotal.WithLabelValues(metrics.OutcomeReplayed).Inc()
		return reply, nil
	case errors.Is(err, store.ErrReferential):
		log.Printf("[chat] BUG: session %s missing after ensure for message %s: %v", ev.SessionID, ev.MessageID, err)
		return MessageReply{}, newError(ErrorInternal, "something went wrong", err)
	default:
		log.Printf("[chat] failed to store message %s: %v", ev.MessageID, err)
		return MessageReply{}, newError(ErrorPersistence, "could not store the conversation, please try again", err)
	}
}

func (s *ChatService) validate(ev MessageEvent) error {
	switch {
	case strings.TrimSpace(ev.SessionID) == "":
		return newError(ErrorValidation, "session_id is required", nil)
	case strings.TrimSpace(ev.MessageID) == "":
		return newError(ErrorValidation, "message_id is required", nil)
	case strings.TrimSpace(ev.OwnerEmail) == "":
		return newError(ErrorValidation, "email is required", nil)
	case strings.TrimSpace(ev.Query) == "":
		return newError(ErrorValidation, "message_text is required", nil)
	case utf8.RuneCountInString(ev.Query) > s.opts.MaxQueryLength:
		return newError(ErrorValidation, fmt.Sprintf("message_text exceeds %d characters", s.opts.MaxQueryLength), nil)
	}
	return nil
}

// checkOwner rejects a session that already exists under another owner. An
// unseen session passes; EnsureSession later creates it for ownerEmail.
func (s *ChatService) checkOwner(ctx context.Context, sessionID, ownerEmail string) error {
	session, err := s.dbStore.GetSession(ctx, sessionID)
	if err != nil {
		log.Printf("[chat] failed to look up session %s: %v", sessionID, err)
		return newError(ErrorPersistence, "could not read the conversation, please try again", err)
	}
	if session != nil && session.OwnerEmail != ownerEmail {
		return errForeignSession
	}
	return nil
}

// replay reports whether ev.MessageID is already in the ledger and, if so,
// the reply built from the stored exchange. Stored exchanges are only
// replayed to the owner of their session.
func (s *ChatService) replay(ctx context.Context, ev MessageEvent) (MessageReply, bool, error) {
	stored, err := s.dbStore.GetExchange(ctx, ev.MessageID)
	if err != nil {
		log.Printf("[chat] failed to look up message %s: %v", ev.MessageID, err)
		return MessageReply{}, false, newError(ErrorPersistence, "could not read the conversation, please try again", err)
	}
	if stored == nil {
		return MessageReply{}, false, nil
	}
	if stored.SessionID != ev.SessionID {
		return MessageReply{}, false, newError(ErrorValidation, "message_id already used in another conversation", nil)
	}
	if err := s.checkOwner(ctx, stored.SessionID, ev.OwnerEmail); err != nil {
		return MessageReply{}, false, err
	}
	return replyFor(stored), true, nil
}

func (s *ChatService) generate(ctx context.Context, ev MessageEvent) (string, error) {
	genCtx, cancel := context.WithTimeout(ctx, s.opts.GenerationTimeout)
	defer cancel()

	start := time.Now()
	text, err := s.generator.Generate(genCtx, ev.Query)
	metrics.GenerationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		log.Printf("[chat] error generating response for message %s: %v", ev.MessageID, err)
		reason := "the assistant could not answer, please try again"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "the assistant took too long to answer, please try again"
		}
		return "", newError(ErrorGeneration, reason, err)
	}

	html, err := s.renderer.Render(text)
	if err != nil {
		log.Printf("[chat] error rendering response for message %s: %v", ev.MessageID, err)
		return "", newError(ErrorGeneration, "the assistant's answer could not be displayed", err)
	}
	if utf8.RuneCountInString(html) > s.opts.MaxResponseLength {
		log.Printf("[chat] rendered response for message %s exceeds %d characters", ev.MessageID, s.opts.MaxResponseLength)
		return "", newError(ErrorGeneration, "the assistant's answer was too long", nil)
	}
	return html, nil
}

func (s *ChatService) emitError(out Emitter, ev MessageEvent, err error) {
	reply := ErrorReply{Code: ErrorInternal, Message: "something went wrong", MessageID: ev.MessageID}
	var coreErr *Error
	if errors.As(err, &coreErr) {
		reply.Code = coreErr.Code
		reply.Message = coreErr.Reason
	}
	if emitErr := out.Emit(EventError, reply); emitErr != nil {
		log.Printf("[chat] failed to emit error for message %s on connection %s: %v", ev.MessageID, ev.ConnectionID, emitErr)
	}
}

// Summaries returns the first exchange of each of the user's conversations,
// newest conversation first.
func (s *ChatService) Summaries(ctx context.Context, email string) ([]store.Exchange, error) {
	exchanges, err := s.dbStore.SummarizeByOwner(ctx, email)
	if err != nil {
		return nil, newError(ErrorPersistence, "could not load conversations", err)
	}
	return exchanges, nil
}

// History returns the exchanges of sessionID, or nil if the session does not
// exist or belongs to someone else.
func (s *ChatService) History(ctx context.Context, sessionID, email string) ([]store.Exchange, error) {
	session, err := s.dbStore.GetSession(ctx, sessionID)
	if err != nil {
		return nil, newError(ErrorPersistence, "could not load conversation", err)
	}
	if session == nil || session.OwnerEmail != email {
		return nil, nil
	}

	exchanges, err := s.dbStore.ListExchangesBySession(ctx, sessionID)
	if err != nil {
		return nil, newError(ErrorPersistence, "could not load conversation", err)
	}
	return exchanges, nil
}

func (s *ChatService) ClearHistory(ctx context.Context, email string) (int64, error) {
	removed, err := s.dbStore.ClearOwner(ctx, email)
	if err != nil {
		return 0, newError(ErrorPersistence, "could not clear conversations", err)
	}
	log.Printf("[chat] cleared %d conversations for %s", removed, email)
	return removed, nil
}

func replyFor(ex *store.Exchange) MessageReply {
	return MessageReply{
		MessageID:   ex.MessageID,
		SessionID:   ex.SessionID,
		MessageText: ex.Response,
	}
}

func outcomeFor(err error) string {
	switch CodeOf(err) {
	case ErrorValidation:
		return metrics.OutcomeInvalid
	case ErrorGeneration:
		return metrics.OutcomeGeneration
	case ErrorPersistence:
		return metrics.OutcomePersist
	default:
		return metrics.OutcomeInternal
	}
}
