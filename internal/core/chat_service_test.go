package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/gemini-chat/internal/store"
)

type fakeGenerator struct {
	mu      sync.Mutex
	answer  string
	err     error
	block   bool
	prompts []string
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	if g.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return g.answer, g.err
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

type emitted struct {
	event   string
	payload any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (e *recordingEmitter) Emit(event string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emitted{event: event, payload: payload})
	return nil
}

func (e *recordingEmitter) all() []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]emitted(nil), e.events...)
}

// faultyStore wraps a real store and injects failures.
type faultyStore struct {
	*store.SQLiteStore
	ensureErr    error
	appendErr    error
	appends      int
	hideLookups  int
	// hideSessions makes the next GetSession calls report a missing session.
	hideSessions int
	mu           sync.Mutex
}

func (f *faultyStore) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	f.mu.Lock()
	hide := f.hideSessions > 0
	if hide {
		f.hideSessions--
	}
	f.mu.Unlock()
	if hide {
		return nil, nil
	}
	return f.SQLiteStore.GetSession(ctx, sessionID)
}

func (f *faultyStore) EnsureSession(ctx context.Context, sessionID, ownerEmail string) (*store.Session, error) {
	if f.ensureErr != nil {
		return nil, f.ensureErr
	}
	return f.SQLiteStore.EnsureSession(ctx, sessionID, ownerEmail)
}

func (f *faultyStore) AppendExchange(ctx context.Context, ex *store.Exchange) error {
	f.mu.Lock()
	f.appends++
	f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	return f.SQLiteStore.AppendExchange(ctx, ex)
}

func (f *faultyStore) GetExchange(ctx context.Context, messageID string) (*store.Exchange, error) {
	f.mu.Lock()
	hide := f.hideLookups > 0
	if hide {
		f.hideLookups--
	}
	f.mu.Unlock()
	if hide {
		return nil, nil
	}
	return f.SQLiteStore.GetExchange(ctx, messageID)
}

func newTestDB(t *testing.T, users ...string) *store.SQLiteStore {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	for _, email := range users {
		_, err := db.CreateUser(context.Background(), email, "Test", "hash")
		require.NoError(t, err)
	}
	return db
}

func newTestChat(t *testing.T, gen Generator, users ...string) (*ChatService, *faultyStore) {
	t.Helper()
	db := &faultyStore{SQLiteStore: newTestDB(t, users...)}
	return NewChatService(db, gen, NewRenderer(), ChatOptions{GenerationTimeout: time.Second}), db
}

func message(id string) MessageEvent {
	return MessageEvent{ConnectionID: "conn-1", SessionID: "s1", MessageID: id, OwnerEmail: "a@x.com", Query: "hello"}
}

func requireErrorEvent(t *testing.T, ev emitted, code ErrorCode) {
	t.Helper()
	require.Equal(t, EventError, ev.event)
	reply, ok := ev.payload.(ErrorReply)
	require.True(t, ok, "payload %T", ev.payload)
	assert.Equal(t, code, reply.Code)
	assert.NotEmpty(t, reply.Message)
}

func TestHandleMessageStoresExchange(t *testing.T) {
	gen := &fakeGenerator{answer: "hi there"}
	svc, db := newTestChat(t, gen, "a@x.com")
	out := &recordingEmitter{}
	ctx := context.Background()

	require.NoError(t, svc.HandleMessage(ctx, message("m1"), out))

	assert.Equal(t, []string{"hello"}, gen.prompts)
	exchanges, err := db.ListExchangesBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, exchanges, 1)
	assert.Equal(t, "m1", exchanges[0].MessageID)
	assert.Equal(t, "hello", exchanges[0].Query)
	assert.Equal(t, "<p>hi there</p>\n", exchanges[0].Response)

	events := out.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventMessage, events[0].event)
	assert.Equal(t, MessageReply{MessageID: "m1", SessionID: "s1", MessageText: "<p>hi there</p>\n"}, events[0].payload)

	session, err := db.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "a@x.com", session.OwnerEmail)
}

func TestHandleMessageGenerationTimeout(t *testing.T) {
	gen := &fakeGenerator{block: true}
	db := &faultyStore{SQLiteStore: newTestDB(t, "a@x.com")}
	svc := NewChatService(db, gen, nil, ChatOptions{GenerationTimeout: 20 * time.Millisecond})
	out := &recordingEmitter{}
	ctx := context.Background()

	err := svc.HandleMessage(ctx, message("m2"), out)
	require.Error(t, err)
	assert.Equal(t, ErrorGeneration, CodeOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	stored, err := db.GetExchange(ctx, "m2")
	require.NoError(t, err)
	assert.Nil(t, stored)
	session, err := db.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, session)
	assert.Zero(t, db.appends)

	events := out.all()
	require.Len(t, events, 1)
	requireErrorEvent(t, events[0], ErrorGeneration)
}

func TestHandleMessageGenerationFailureLeavesPriorSession(t *testing.T) {
	gen := &fakeGenerator{answer: "first"}
	svc, db := newTestChat(t, gen, "a@x.com")
	ctx := context.Background()
	require.NoError(t, svc.HandleMessage(ctx, message("m1"), &recordingEmitter{}))

	gen.answer, gen.err = "", errors.New("quota exceeded")
	out := &recordingEmitter{}
	require.Error(t, svc.HandleMessage(ctx, message("m2"), out))

	exchanges, err := db.ListExchangesBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, exchanges, 1)
	assert.Equal(t, "m1", exchanges[0].MessageID)
	requireErrorEvent(t, out.all()[0], ErrorGeneration)
}

func TestHandleMessageDuplicateDelivery(t *testing.T) {
	gen := &fakeGenerator{answer: "hi there"}
	svc, db := newTestChat(t, gen, "a@x.com")
	out := &recordingEmitter{}
	ctx := context.Background()

	require.NoError(t, svc.HandleMessage(ctx, message("m1"), out))
	gen.answer = "a different answer"
	require.NoError(t, svc.HandleMessage(ctx, message("m1"), out))

	exchanges, err := db.ListExchangesBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, exchanges, 1)
	assert.Equal(t, 1, db.appends)
	assert.Equal(t, 1, gen.calls())

	events := out.all()
	require.Len(t, events, 2)
	assert.Equal(t, EventMessage, events[0].event)
	assert.Equal(t, events[0], events[1])
}

func TestHandleMessageConcurrentDuplicateResolvesFromLedger(t *testing.T) {
	gen := &fakeGenerator{answer: "late answer"}
	svc, db := newTestChat(t, gen, "a@x.com")
	ctx := context.Background()

	// Simulate a concurrent delivery that stored m1 after our pre-check.
	_, err := db.SQLiteStore.EnsureSession(ctx, "s1", "a@x.com")
	require.NoError(t, err)
	require.NoError(t, db.SQLiteStore.AppendExchange(ctx, &store.Exchange{
		MessageID: "m1", SessionID: "s1", Query: "hello", Response: "<p>first answer</p>\n",
	}))
	db.hideLookups = 1

	out := &recordingEmitter{}
	require.NoError(t, svc.HandleMessage(ctx, message("m1"), out))

	events := out.all()
	require.Len(t, events, 1)
	assert.Equal(t, MessageReply{MessageID: "m1", SessionID: "s1", MessageText: "<p>first answer</p>\n"}, events[0].payload)

	exchanges, err := db.ListExchangesBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, exchanges, 1)
}

func TestHandleMessageDistinctMessagesAppendOnce(t *testing.T) {
	gen := &fakeGenerator{answer: "ok"}
	svc, db := newTestChat(t, gen, "a@x.com")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := message(fmt.Sprintf("m%d", i))
			ev.SessionID = fmt.Sprintf("s%d", i%3)
			assert.NoError(t, svc.HandleMessage(ctx, ev, &recordingEmitter{}))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, db.appends)
	total := 0
	for i := 0; i < 3; i++ {
		exchanges, err := db.ListExchangesBySession(ctx, fmt.Sprintf("s%d", i))
		require.NoError(t, err)
		total += len(exchanges)
	}
	assert.Equal(t, 10, total)
}

func TestHandleMessageValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*MessageEvent)
	}{
		{"missing session", func(ev *MessageEvent) { ev.SessionID = "" }},
		{"missing message id", func(ev *MessageEvent) { ev.MessageID = " " }},
		{"missing owner", func(ev *MessageEvent) { ev.OwnerEmail = "" }},
		{"blank query", func(ev *MessageEvent) { ev.Query = "  \n" }},
		{"query too long", func(ev *MessageEvent) { ev.Query = strings.Repeat("é", 11) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{answer: "x"}
			db := &faultyStore{SQLiteStore: newTestDB(t, "a@x.com")}
			svc := NewChatService(db, gen, nil, ChatOptions{MaxQueryLength: 10})
			out := &recordingEmitter{}

			ev := message("m1")
			tt.mutate(&ev)
			err := svc.HandleMessage(context.Background(), ev, out)

			assert.Equal(t, ErrorValidation, CodeOf(err))
			assert.Zero(t, gen.calls())
			assert.Zero(t, db.appends)
			requireErrorEvent(t, out.all()[0], ErrorValidation)
		})
	}
}

func TestHandleMessageQueryAtLimitAccepted(t *testing.T) {
	gen := &fakeGenerator{answer: "x"}
	db := &faultyStore{SQLiteStore: newTestDB(t, "a@x.com")}
	svc := NewChatService(db, gen, nil, ChatOptions{MaxQueryLength: 10})

	ev := message("m1")
	ev.Query = strings.Repeat("é", 10)
	require.NoError(t, svc.HandleMessage(context.Background(), ev, &recordingEmitter{}))
}

func TestHandleMessageRejectsReusedMessageIDAcrossSessions(t *testing.T) {
	gen := &fakeGenerator{answer: "hi"}
	svc, _ := newTestChat(t, gen, "a@x.com")
	ctx := context.Background()
	require.NoError(t, svc.HandleMessage(ctx, message("m1"), &recordingEmitter{}))

	ev := message("m1")
	ev.SessionID = "s2"
	out := &recordingEmitter{}
	err := svc.HandleMessage(ctx, ev, out)

	assert.Equal(t, ErrorValidation, CodeOf(err))
	assert.Equal(t, 1, gen.calls())
	requireErrorEvent(t, out.all()[0], ErrorValidation)
}

func TestHandleMessageForeignSession(t *testing.T) {
	gen := &fakeGenerator{answer: "hi"}
	svc, db := newTestChat(t, gen, "a@x.com", "b@x.com")
	ctx := context.Background()
	require.NoError(t, svc.HandleMessage(ctx, message("m1"), &recordingEmitter{}))

	ev := message("m2")
	ev.OwnerEmail = "b@x.com"
	out := &recordingEmitter{}
	err := svc.HandleMessage(ctx, ev, out)

	assert.Equal(t, ErrorValidation, CodeOf(err))
	assert.Equal(t, 1, gen.calls(), "a known foreign session is rejected before generation")
	requireErrorEvent(t, out.all()[0], ErrorValidation)
	stored, err := db.GetExchange(ctx, "m2")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestHandleMessageReplayRejectsForeignOwner(t *testing.T) {
	gen := &fakeGenerator{answer: "secret answer for a"}
	svc, _ := newTestChat(t, gen, "a@x.com", "b@x.com")
	ctx := context.Background()
	require.NoError(t, svc.HandleMessage(ctx, message("m1"), &recordingEmitter{}))

	ev := message("m1")
	ev.OwnerEmail = "b@x.com"
	ev.Query = "anything"
	out := &recordingEmitter{}
	err := svc.HandleMessage(ctx, ev, out)

	assert.Equal(t, ErrorValidation, CodeOf(err))
	events := out.all()
	require.Len(t, events, 1)
	requireErrorEvent(t, events[0], ErrorValidation)
	assert.NotContains(t, fmt.Sprint(events[0].payload), "secret answer")
	assert.Equal(t, 1, gen.calls())
}

func TestHandleMessageReplayChecksOwnerOfStoredSession(t *testing.T) {
	gen := &fakeGenerator{answer: "secret answer for a"}
	svc, db := newTestChat(t, gen, "a@x.com", "b@x.com")
	ctx := context.Background()
	require.NoError(t, svc.HandleMessage(ctx, message("m1"), &recordingEmitter{}))

	// The first ownership lookup misses, as if the session did not exist yet.
	db.hideSessions = 1
	ev := message("m1")
	ev.OwnerEmail = "b@x.com"
	out := &recordingEmitter{}
	err := svc.HandleMessage(ctx, ev, out)

	assert.Equal(t, ErrorValidation, CodeOf(err))
	requireErrorEvent(t, out.all()[0], ErrorValidation)
	assert.NotContains(t, fmt.Sprint(out.all()[0].payload), "secret answer")
}

func TestHandleMessageSessionClaimedDuringGeneration(t *testing.T) {
	gen := &fakeGenerator{answer: "hi"}
	svc, db := newTestChat(t, gen, "a@x.com", "b@x.com")
	ctx := context.Background()
	_, err := db.SQLiteStore.EnsureSession(ctx, "s1", "a@x.com")
	require.NoError(t, err)

	// The pre-generation lookup misses; the owner check after EnsureSession catches it.
	db.hideSessions = 1
	ev := message("m1")
	ev.OwnerEmail = "b@x.com"
	out := &recordingEmitter{}
	err = svc.HandleMessage(ctx, ev, out)

	assert.Equal(t, ErrorValidation, CodeOf(err))
	assert.Equal(t, 1, gen.calls())
	assert.Zero(t, db.appends)
	requireErrorEvent(t, out.all()[0], ErrorValidation)
}

func TestHandleMessageUnknownOwner(t *testing.T) {
	svc, _ := newTestChat(t, &fakeGenerator{answer: "hi"})

	err := svc.HandleMessage(context.Background(), message("m1"), &recordingEmitter{})
	assert.Equal(t, ErrorValidation, CodeOf(err))
}

func TestHandleMessageEnsureSessionFailure(t *testing.T) {
	svc, db := newTestChat(t, &fakeGenerator{answer: "hi"}, "a@x.com")
	db.ensureErr = errors.New("disk I/O error")
	out := &recordingEmitter{}

	err := svc.HandleMessage(context.Background(), message("m1"), out)

	assert.Equal(t, ErrorPersistence, CodeOf(err))
	assert.Zero(t, db.appends)
	requireErrorEvent(t, out.all()[0], ErrorPersistence)
}

func TestHandleMessageReferentialFailureIsInternal(t *testing.T) {
	svc, db := newTestChat(t, &fakeGenerator{answer: "hi"}, "a@x.com")
	db.appendErr = store.ErrReferential
	out := &recordingEmitter{}

	err := svc.HandleMessage(context.Background(), message("m1"), out)

	assert.Equal(t, ErrorInternal, CodeOf(err))
	events := out.all()
	require.Len(t, events, 1)
	requireErrorEvent(t, events[0], ErrorInternal)
	assert.Equal(t, "something went wrong", events[0].payload.(ErrorReply).Message)
}

func TestHandleMessageAppendFailure(t *testing.T) {
	svc, db := newTestChat(t, &fakeGenerator{answer: "hi"}, "a@x.com")
	db.appendErr = errors.New("database is locked")

	err := svc.HandleMessage(context.Background(), message("m1"), &recordingEmitter{})
	assert.Equal(t, ErrorPersistence, CodeOf(err))
}

func TestHandleMessageResponseTooLong(t *testing.T) {
	gen := &fakeGenerator{answer: strings.Repeat("word ", 50)}
	db := &faultyStore{SQLiteStore: newTestDB(t, "a@x.com")}
	svc := NewChatService(db, gen, nil, ChatOptions{MaxResponseLength: 100})

	err := svc.HandleMessage(context.Background(), message("m1"), &recordingEmitter{})
	assert.Equal(t, ErrorGeneration, CodeOf(err))
	assert.Zero(t, db.appends)
}

func TestHistoryAndClear(t *testing.T) {
	svc, _ := newTestChat(t, &fakeGenerator{answer: "hi"}, "a@x.com", "b@x.com")
	ctx := context.Background()

	for i, sessionID := range []string{"s1", "s2"} {
		ev := message(fmt.Sprintf("m%d", i))
		ev.SessionID = sessionID
		require.NoError(t, svc.HandleMessage(ctx, ev, &recordingEmitter{}))
	}

	history, err := svc.History(ctx, "s1", "a@x.com")
	require.NoError(t, err)
	require.Len(t, history, 1)

	foreign, err := svc.History(ctx, "s1", "b@x.com")
	require.NoError(t, err)
	assert.Nil(t, foreign)

	summaries, err := svc.Summaries(ctx, "a@x.com")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "s2", summaries[0].SessionID)

	removed, err := svc.ClearHistory(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	summaries, err = svc.Summaries(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Empty(t, summaries)
}
