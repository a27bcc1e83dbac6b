package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/ohrelay/internal/openhands"
	"github.com/nextlevelbuilder/ohrelay/internal/store"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]*store.ConversationRecord
	findErr error
	upErr   error
}

func newMemStore() *memStore {
	return &memStore{records: map[string]*store.ConversationRecord{}}
}

func (m *memStore) FindByIdentity(_ context.Context, identity string) (*store.ConversationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	rec, ok := m.records[identity]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (m *memStore) Upsert(_ context.Context, identity, displayName, conversationID string) (*store.ConversationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upErr != nil {
		return nil, m.upErr
	}
	rec := &store.ConversationRecord{
		SenderIdentity: identity,
		DisplayName:    displayName,
		ConversationID: conversationID,
		UpdatedAt:      time.Now(),
	}
	m.records[identity] = rec
	copied := *rec
	return &copied, nil
}

func (m *memStore) Touch(_ context.Context, identity string) error { return nil }

func (m *memStore) List(_ context.Context) ([]store.ConversationRecord, error) { return nil, nil }

func (m *memStore) Delete(_ context.Context, identity string) error { return nil }

func (m *memStore) Close() error { return nil }

type fakeConn struct {
	mu         sync.Mutex
	calls      []string
	connected  bool
	convID     string
	connectErr []error // popped per Connect call
}

func (f *fakeConn) Connect(_ context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "connect:"+conversationID)
	if len(f.connectErr) > 0 {
		err := f.connectErr[0]
		f.connectErr = f.connectErr[1:]
		if err != nil {
			return err
		}
	}
	f.connected = true
	f.convID = conversationID
	return nil
}

func (f *fakeConn) EmitUserMessage(_ context.Context, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "emit:"+content)
	return nil
}

func (f *fakeConn) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) ConversationID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convID
}

func (f *fakeConn) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "disconnect")
	f.connected = false
}

type fakeCreator struct {
	mu    sync.Mutex
	calls int
	errs  []error // popped per call
	next  int
}

func (f *fakeCreator) CreateConversation(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	f.next++
	return "conv-" + string(rune('0'+f.next)), nil
}

type fakeSender struct {
	mu     sync.Mutex
	texts  []string
	typing int
}

func (f *fakeSender) SendText(_, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
}

func (f *fakeSender) SendTyping(_ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
}

func (f *fakeSender) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func newTestSession(st store.ConversationStore, creator *fakeCreator, conn *fakeConn, sender *fakeSender) (*Session, *Tracker, *Router) {
	tracker := NewTracker()
	router := NewRouter(tracker, func(ctx context.Context, text string) error {
		return conn.EmitUserMessage(ctx, text)
	}, sender.SendText, Options{})
	s := NewSession(st, creator, conn, tracker, router, sender)
	s.backoff = time.Millisecond
	return s, tracker, router
}

func TestFirstMessageCreatesConversation(t *testing.T) {
	st := newMemStore()
	creator := &fakeCreator{}
	conn := &fakeConn{}
	sender := &fakeSender{}
	s, _, router := newTestSession(st, creator, conn, sender)

	s.OnInboundMessage(context.Background(), "12025550101@c.us", "Alice", "hello", "chat-A")

	if creator.calls != 1 {
		t.Errorf("create calls = %d", creator.calls)
	}
	rec, _ := st.FindByIdentity(context.Background(), "12025550101@c.us")
	if rec == nil || rec.ConversationID == "" {
		t.Fatal("conversation record not persisted")
	}
	if !conn.Connected() || conn.ConversationID() != rec.ConversationID {
		t.Errorf("channel not connected to %q", rec.ConversationID)
	}
	if router.QueueLen() != 1 {
		t.Errorf("queue len = %d", router.QueueLen())
	}
	// state is unknown until the backend says otherwise: nothing forwarded,
	// nothing replied
	for _, call := range conn.calls {
		if strings.HasPrefix(call, "emit:") {
			t.Errorf("forwarded before agent was ready: %v", conn.calls)
		}
	}
	if len(sender.all()) != 0 {
		t.Errorf("unexpected replies: %v", sender.all())
	}
	if sender.typing != 1 {
		t.Errorf("typing indicators = %d", sender.typing)
	}
}

func TestQueueReleasesOnReady(t *testing.T) {
	st := newMemStore()
	creator := &fakeCreator{}
	conn := &fakeConn{}
	sender := &fakeSender{}
	s, _, _ := newTestSession(st, creator, conn, sender)

	s.OnInboundMessage(context.Background(), "sender", "Alice", "hello", "chat-A")

	s.HandleAgentEvent(&openhands.Event{
		Observation: "agent_state_changed",
		Extras:      openhands.EventExtras{AgentState: "awaiting_user_input"},
	})

	found := false
	for _, call := range conn.calls {
		if call == "emit:hello" {
			found = true
		}
	}
	if !found {
		t.Errorf("message not forwarded after ready, calls = %v", conn.calls)
	}
}

func TestBusyAgentGetsQueuedAck(t *testing.T) {
	st := newMemStore()
	creator := &fakeCreator{}
	conn := &fakeConn{connected: true}
	sender := &fakeSender{}
	s, tracker, router := newTestSession(st, creator, conn, sender)
	s.currentSender = "sender"

	tracker.Apply(stateEvent("running"))
	s.OnInboundMessage(context.Background(), "sender", "Alice", "do more things", "chat-A")

	if creator.calls != 0 {
		t.Error("connected session should not create a conversation")
	}
	sent := sender.all()
	if len(sent) != 1 || !strings.HasPrefix(sent[0], "⏳") {
		t.Errorf("sent = %v", sent)
	}
	if router.QueueLen() != 1 {
		t.Errorf("queue len = %d", router.QueueLen())
	}
}

func TestSwitchingSenderReconnects(t *testing.T) {
	st := newMemStore()
	creator := &fakeCreator{}
	conn := &fakeConn{}
	sender := &fakeSender{}
	s, _, _ := newTestSession(st, creator, conn, sender)

	s.OnInboundMessage(context.Background(), "sender-A", "Alice", "hi", "chat-A")
	convA := conn.ConversationID()
	s.OnInboundMessage(context.Background(), "sender-B", "Bob", "hi", "chat-B")

	if conn.ConversationID() == convA {
		t.Error("channel should have moved to sender B's conversation")
	}
	if creator.calls != 2 {
		t.Errorf("create calls = %d", creator.calls)
	}
	recA, _ := st.FindByIdentity(context.Background(), "sender-A")
	recB, _ := st.FindByIdentity(context.Background(), "sender-B")
	if recA == nil || recB == nil || recA.ConversationID == recB.ConversationID {
		t.Error("each sender needs their own conversation record")
	}
}

func TestConversationInitRetriesThenSucceeds(t *testing.T) {
	st := newMemStore()
	creator := &fakeCreator{errs: []error{errors.New("boom"), errors.New("boom")}}
	conn := &fakeConn{}
	sender := &fakeSender{}
	s, _, _ := newTestSession(st, creator, conn, sender)

	s.OnInboundMessage(context.Background(), "sender", "Alice", "hello", "chat-A")

	if creator.calls != 3 {
		t.Errorf("create calls = %d, want 3", creator.calls)
	}
	if !conn.Connected() {
		t.Error("channel should be connected after retries")
	}
	if len(sender.all()) != 0 {
		t.Errorf("no failure reply expected, got %v", sender.all())
	}
}

func TestConversationInitExhaustionNotifiesUser(t *testing.T) {
	st := newMemStore()
	creator := &fakeCreator{errs: []error{errors.New("boom"), errors.New("boom"), errors.New("boom")}}
	conn := &fakeConn{}
	sender := &fakeSender{}
	s, _, router := newTestSession(st, creator, conn, sender)

	s.OnInboundMessage(context.Background(), "sender", "Alice", "hello", "chat-A")

	sent := sender.all()
	if len(sent) != 1 || !strings.HasPrefix(sent[0], "❌") {
		t.Errorf("sent = %v", sent)
	}
	if router.QueueLen() != 0 {
		t.Error("failed init should not leave the message queued")
	}
}

func TestAuthFailureShortCircuitsRetries(t *testing.T) {
	st := newMemStore()
	creator := &fakeCreator{errs: []error{openhands.ErrAuth}}
	conn := &fakeConn{}
	sender := &fakeSender{}
	s, _, _ := newTestSession(st, creator, conn, sender)

	s.OnInboundMessage(context.Background(), "sender", "Alice", "hello", "chat-A")

	if creator.calls != 1 {
		t.Errorf("auth failure should not be retried, calls = %d", creator.calls)
	}
	if len(sender.all()) != 1 {
		t.Errorf("sent = %v", sender.all())
	}
}

func TestStoreFailureDegradesToFreshConversation(t *testing.T) {
	st := newMemStore()
	st.findErr = errors.New("store offline")
	st.upErr = errors.New("store offline")
	creator := &fakeCreator{}
	conn := &fakeConn{}
	sender := &fakeSender{}
	s, _, router := newTestSession(st, creator, conn, sender)

	s.OnInboundMessage(context.Background(), "sender", "Alice", "hello", "chat-A")

	if !conn.Connected() {
		t.Error("store failure must not block the user")
	}
	if creator.calls != 1 {
		t.Errorf("create calls = %d", creator.calls)
	}
	if router.QueueLen() != 1 {
		t.Errorf("queue len = %d", router.QueueLen())
	}
}

func TestStaleStoredConversationFallsBack(t *testing.T) {
	st := newMemStore()
	st.records["sender"] = &store.ConversationRecord{
		SenderIdentity: "sender",
		ConversationID: "conv-stale",
	}
	creator := &fakeCreator{}
	conn := &fakeConn{connectErr: []error{openhands.ErrTransport}}
	sender := &fakeSender{}
	s, _, _ := newTestSession(st, creator, conn, sender)

	s.OnInboundMessage(context.Background(), "sender", "Alice", "hello", "chat-A")

	if !conn.Connected() {
		t.Fatal("expected eventual connection")
	}
	if conn.ConversationID() == "conv-stale" {
		t.Error("should have abandoned the stale conversation id")
	}
	if creator.calls != 1 {
		t.Errorf("create calls = %d", creator.calls)
	}
	rec, _ := st.FindByIdentity(context.Background(), "sender")
	if rec.ConversationID == "conv-stale" {
		t.Error("record should point at the fresh conversation")
	}
}

func TestHandleAgentEventContainsPanics(t *testing.T) {
	st := newMemStore()
	creator := &fakeCreator{}
	conn := &fakeConn{}
	sender := &fakeSender{}
	s, _, _ := newTestSession(st, creator, conn, sender)

	// nil maps and odd events must never take the relay down
	s.HandleAgentEvent(nil)
	s.HandleAgentEvent(&openhands.Event{Observation: "error", Message: "x"})
}

func TestSessionClose(t *testing.T) {
	st := newMemStore()
	conn := &fakeConn{connected: true}
	s, _, _ := newTestSession(st, &fakeCreator{}, conn, &fakeSender{})

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if conn.Connected() {
		t.Error("channel should be disconnected after close")
	}
}
