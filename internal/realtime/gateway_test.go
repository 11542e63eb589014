package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/whisper/rooms/internal/auth"
	"github.com/whisper/rooms/internal/chat"
	"github.com/whisper/rooms/internal/presence"
	"github.com/whisper/rooms/internal/store"
	"github.com/whisper/rooms/internal/store/memory"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

type fakeClient struct {
	id        string
	principal auth.Principal

	mu     sync.Mutex
	frames []map[string]interface{}
	closed bool
}

func newClient(id, userID string) *fakeClient {
	return &fakeClient{id: id, principal: auth.Principal{UserID: userID, SessionID: "sess-" + id}}
}

func (f *fakeClient) ID() string                { return f.id }
func (f *fakeClient) Principal() auth.Principal { return f.principal }

func (f *fakeClient) Send(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames = append(f.frames, m)
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// of returns the received frames of the given type.
func (f *fakeClient) of(typ string) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]interface{}
	for _, m := range f.frames {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeClient) reset() {
	f.mu.Lock()
	f.frames = nil
	f.mu.Unlock()
}

func (f *fakeClient) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []chat.MessageEvent
	mentions []chat.MentionEvent
	receipts []chat.ReadReceiptEvent
}

func (p *recordingPublisher) PublishMessage(ev chat.MessageEvent) {
	p.mu.Lock()
	p.messages = append(p.messages, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) PublishMention(ev chat.MentionEvent) {
	p.mu.Lock()
	p.mentions = append(p.mentions, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) PublishReadReceipt(ev chat.ReadReceiptEvent) {
	p.mu.Lock()
	p.receipts = append(p.receipts, ev)
	p.mu.Unlock()
}

type denyThrottle struct{ retryAfter time.Duration }

func (d denyThrottle) Allow(context.Context, string) (bool, time.Duration) {
	return false, d.retryAfter
}

// failingStore wraps the memory store and fails the named operation.
// With staleMembership set, IsMember answers true for everyone, as a
// membership cache would for a user removed after it was filled.
type failingStore struct {
	*memory.Store
	failOn          string
	staleMembership bool
}

var errBoom = errors.New("boom")

func (f *failingStore) fail(op string) error {
	if f.failOn == op {
		return errBoom
	}
	return nil
}

func (f *failingStore) RoomMembers(ctx context.Context, roomID string) ([]store.Member, error) {
	if err := f.fail("RoomMembers"); err != nil {
		return nil, err
	}
	return f.Store.RoomMembers(ctx, roomID)
}

func (f *failingStore) CreateMessage(ctx context.Context, nm store.NewMessage) (*store.Message, error) {
	if err := f.fail("CreateMessage"); err != nil {
		return nil, err
	}
	return f.Store.CreateMessage(ctx, nm)
}

func (f *failingStore) UpsertReadReceipt(ctx context.Context, messageID, userID string, at time.Time) (*store.ReadReceipt, bool, error) {
	if err := f.fail("UpsertReadReceipt"); err != nil {
		return nil, false, err
	}
	return f.Store.UpsertReadReceipt(ctx, messageID, userID, at)
}

func (f *failingStore) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	if err := f.fail("IsMember"); err != nil {
		return false, err
	}
	if f.staleMembership {
		return true, nil
	}
	return f.Store.IsMember(ctx, roomID, userID)
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

var fixedNow = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

// seedStore creates room r1 with members Kim (u1), Park (u2) and Lee (u3).
// Choi (u4) exists but is not a member.
func seedStore() *memory.Store {
	s := memory.New()
	s.AddUser(store.User{ID: "u1", DisplayName: "Kim"})
	s.AddUser(store.User{ID: "u2", DisplayName: "Park"})
	s.AddUser(store.User{ID: "u3", DisplayName: "Lee"})
	s.AddUser(store.User{ID: "u4", DisplayName: "Choi"})
	s.AddMember("r1", "u1")
	s.AddMember("r1", "u2")
	s.AddMember("r1", "u3")
	s.AddRoom("r2")
	return s
}

func newTestGateway(st store.Store) *Gateway {
	g := NewGateway(st, presence.NewTracker())
	g.now = func() time.Time { return fixedNow }
	return g
}

func dispatch(g *Gateway, c Client, format string, args ...interface{}) {
	g.Dispatch(c, []byte(fmt.Sprintf(format, args...)))
}

func inRoom(g *Gateway, roomID, connID string) bool {
	for _, c := range g.roomClients(roomID, "") {
		if c.ID() == connID {
			return true
		}
	}
	return false
}

// joined connects a client for userID and joins it to r1.
func joined(t *testing.T, g *Gateway, id, userID string) *fakeClient {
	t.Helper()
	c := newClient(id, userID)
	g.Connect(c)
	dispatch(g, c, `{"type":"join_room","roomId":"r1"}`)
	if !inRoom(g, "r1", id) {
		t.Fatalf("client %s did not join r1", id)
	}
	c.reset()
	return c
}

// ---------------------------------------------------------------------------
// Connection lifecycle and presence
// ---------------------------------------------------------------------------

func TestConnect_OnlineListAndEdgeTriggeredPresence(t *testing.T) {
	g := newTestGateway(seedStore())

	a1 := newClient("a1", "u1")
	g.Connect(a1)
	lists := a1.of("online_list")
	if len(lists) != 1 {
		t.Fatalf("expected one online_list, got %d", len(lists))
	}
	ids := lists[0]["userIds"].([]interface{})
	if len(ids) != 1 || ids[0] != "u1" {
		t.Fatalf("online_list should contain the caller, got %v", ids)
	}
	if on := a1.of("user_online"); len(on) != 1 || on[0]["userId"] != "u1" {
		t.Fatalf("first connection should announce u1 to everyone incl. itself, got %v", on)
	}

	b1 := newClient("b1", "u2")
	g.Connect(b1)
	if n := len(a1.of("user_online")); n != 2 {
		t.Fatalf("a1 should see u2 come online, got %d user_online frames", n)
	}

	// Second connection for u1: no user_online anywhere.
	a1.reset()
	b1.reset()
	a2 := newClient("a2", "u1")
	g.Connect(a2)
	if len(a1.of("user_online"))+len(b1.of("user_online"))+len(a2.of("user_online")) != 0 {
		t.Fatal("second connection of an online user must not broadcast user_online")
	}
	if len(a2.of("online_list")) != 1 {
		t.Fatal("every new connection receives online_list")
	}

	// Closing one of two connections: still online.
	g.Disconnect(a1)
	if len(b1.of("user_offline")) != 0 {
		t.Fatal("user_offline sent while user still has a connection")
	}

	// Closing the last one: exactly one user_offline.
	g.Disconnect(a2)
	offline := b1.of("user_offline")
	if len(offline) != 1 || offline[0]["userId"] != "u1" {
		t.Fatalf("expected one user_offline for u1, got %v", offline)
	}
	if g.OnlineCount() != 1 || g.ConnectionCount() != 1 {
		t.Fatalf("online=%d conns=%d, want 1/1", g.OnlineCount(), g.ConnectionCount())
	}
}

func TestPresence_OrderedUnderConcurrentReconnects(t *testing.T) {
	g := newTestGateway(seedStore())
	observer := newClient("obs", "u2")
	g.Connect(observer)
	observer.reset()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				c := newClient(fmt.Sprintf("k%d-%d", w, i), "u1")
				g.Connect(c)
				g.Disconnect(c)
			}
		}(w)
	}
	wg.Wait()

	observer.mu.Lock()
	var seq []string
	for _, f := range observer.frames {
		if typ := f["type"]; (typ == "user_online" || typ == "user_offline") && f["userId"] == "u1" {
			seq = append(seq, typ.(string))
		}
	}
	observer.mu.Unlock()

	if len(seq) == 0 {
		t.Fatal("observer saw no presence changes")
	}
	for i, typ := range seq {
		want := "user_online"
		if i%2 == 1 {
			want = "user_offline"
		}
		if typ != want {
			t.Fatalf("presence frame %d = %s, want %s (sequence %v)", i, typ, want, seq)
		}
	}
	if seq[len(seq)-1] != "user_offline" || g.presence.Has("u1") {
		t.Fatalf("u1 should end offline, last frame %s", seq[len(seq)-1])
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	g := newTestGateway(seedStore())
	a := newClient("a", "u1")
	b := newClient("b", "u2")
	g.Connect(a)
	g.Connect(b)
	b.reset()

	g.Disconnect(a)
	g.Disconnect(a)
	g.Disconnect(newClient("ghost", "u9"))

	if n := len(b.of("user_offline")); n != 1 {
		t.Fatalf("expected exactly one user_offline, got %d", n)
	}
	if g.presence.Has("u1") {
		t.Fatal("u1 should be offline")
	}
}

func TestConnect_Twice(t *testing.T) {
	g := newTestGateway(seedStore())
	a := newClient("a", "u1")
	g.Connect(a)
	g.Connect(a)
	g.Disconnect(a)
	if g.presence.Has("u1") {
		t.Fatal("double Connect of one client must not leave a dangling presence count")
	}
}

func TestGetOnlineList(t *testing.T) {
	g := newTestGateway(seedStore())
	a := newClient("a", "u1")
	g.Connect(a)
	g.Connect(newClient("b", "u2"))
	a.reset()

	dispatch(g, a, `{"type":"get_online_list"}`)
	lists := a.of("online_list")
	if len(lists) != 1 || len(lists[0]["userIds"].([]interface{})) != 2 {
		t.Fatalf("unexpected online_list: %v", lists)
	}
}

func TestDisconnectSession(t *testing.T) {
	g := newTestGateway(seedStore())
	a := newClient("a", "u1")
	other := newClient("o", "u2")
	g.Connect(a)
	g.Connect(other)
	other.reset()

	if n := g.DisconnectSession(a.principal.SessionID); n != 1 {
		t.Fatalf("DisconnectSession() = %d, want 1", n)
	}
	if !a.closed {
		t.Fatal("revoked connection not closed")
	}
	if len(other.of("user_offline")) != 1 {
		t.Fatal("revocation of the last connection should broadcast user_offline")
	}
	if g.DisconnectSession("nope") != 0 {
		t.Fatal("unknown session should close nothing")
	}
}

func TestConcurrentConnectDisconnect(t *testing.T) {
	g := newTestGateway(seedStore())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newClient(fmt.Sprintf("c%d", i), "u1")
			g.Connect(c)
			g.Disconnect(c)
		}(i)
	}
	wg.Wait()

	if g.presence.Has("u1") || g.ConnectionCount() != 0 {
		t.Fatalf("presence unbalanced: has=%v conns=%d", g.presence.Has("u1"), g.ConnectionCount())
	}
}

// ---------------------------------------------------------------------------
// Dispatcher hygiene
// ---------------------------------------------------------------------------

func TestDispatch_ProtocolErrors(t *testing.T) {
	g := newTestGateway(seedStore())
	c := newClient("c", "u1")
	g.Connect(c)

	cases := []struct {
		name  string
		frame string
		want  string
	}{
		{"garbage", `not json`, "parse_error"},
		{"no type", `{"roomId":"r1"}`, "parse_error"},
		{"bad payload", `{"type":"typing","roomId":"r1","isTyping":"yes"}`, "parse_error"},
		{"unknown", `{"type":"fly"}`, "unsupported_type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c.reset()
			g.Dispatch(c, []byte(tc.frame))
			errs := c.of("error")
			if len(errs) != 1 || errs[0]["code"] != tc.want {
				t.Fatalf("expected %s error, got %v", tc.want, errs)
			}
		})
	}

	c.reset()
	dispatch(g, c, `{"type":"ping"}`)
	if len(c.of("pong")) != 1 {
		t.Fatal("ping should be answered with pong")
	}
}

// ---------------------------------------------------------------------------
// Membership gating
// ---------------------------------------------------------------------------

func TestNonMember_ZeroSideEffects(t *testing.T) {
	st := seedStore()
	g := newTestGateway(st)
	member := joined(t, g, "m", "u1")

	outsider := newClient("x", "u4")
	g.Connect(outsider)
	member.reset()
	outsider.reset()

	dispatch(g, outsider, `{"type":"join_room","roomId":"r1"}`)
	dispatch(g, outsider, `{"type":"message","roomId":"r1","content":"let me in @Kim"}`)
	dispatch(g, outsider, `{"type":"typing","roomId":"r1","isTyping":true}`)

	if len(st.Messages("r1")) != 0 {
		t.Fatal("non-member message was persisted")
	}
	if member.count() != 0 || outsider.count() != 0 {
		t.Fatalf("non-member actions produced events: member=%d outsider=%d", member.count(), outsider.count())
	}
	if inRoom(g, "r1", "x") {
		t.Fatal("non-member subscribed to room")
	}
}

func TestMessage_MembershipCheckedAtSendTime(t *testing.T) {
	st := seedStore()
	g := newTestGateway(st)
	sender := joined(t, g, "s", "u1")
	peer := joined(t, g, "p", "u2")

	st.Leave("r1", "u1")
	dispatch(g, sender, `{"type":"message","roomId":"r1","content":"still here?"}`)

	if len(st.Messages("r1")) != 0 || len(peer.of("message")) != 0 {
		t.Fatal("message from a member who has left must be dropped")
	}
}

func TestOracleFailure_SilentDrop(t *testing.T) {
	st := &failingStore{Store: seedStore()}
	g := newTestGateway(st)
	c := joined(t, g, "c", "u1")

	st.failOn = "IsMember"
	dispatch(g, c, `{"type":"message","roomId":"r1","content":"hi"}`)
	if c.count() != 0 || len(st.Messages("r1")) != 0 {
		t.Fatal("oracle failure must drop the action silently")
	}
}

// ---------------------------------------------------------------------------
// Message pipeline
// ---------------------------------------------------------------------------

func TestMessage_BroadcastPayload(t *testing.T) {
	st := seedStore()
	g := newTestGateway(st)
	pub := &recordingPublisher{}
	g.SetPublisher(pub)
	sender := joined(t, g, "s", "u1")
	peer := joined(t, g, "p", "u2")

	dispatch(g, sender, `{"type":"message","roomId":"r1","content":"hello"}`)

	for _, c := range []*fakeClient{sender, peer} {
		msgs := c.of("message")
		if len(msgs) != 1 {
			t.Fatalf("%s: expected 1 message broadcast, got %d", c.id, len(msgs))
		}
		m := msgs[0]
		if m["content"] != "hello" || m["roomId"] != "r1" || m["senderId"] != "u1" {
			t.Errorf("unexpected payload: %v", m)
		}
		if m["readCount"] != float64(0) || m["poll"] != nil || m["replyTo"] != nil {
			t.Errorf("extension fields wrong: readCount=%v poll=%v replyTo=%v", m["readCount"], m["poll"], m["replyTo"])
		}
		if r, ok := m["reactions"].([]interface{}); !ok || len(r) != 0 {
			t.Errorf("reactions should be an empty array, got %v", m["reactions"])
		}
		if s := m["sender"].(map[string]interface{}); s["displayName"] != "Kim" {
			t.Errorf("sender not resolved: %v", s)
		}
	}

	if r := st.Room("r1"); !r.UpdatedAt.Equal(fixedNow) {
		t.Errorf("room updatedAt = %v, want %v", r.UpdatedAt, fixedNow)
	}
	if lr := st.Member("r1", "u1").LastReadAt; lr == nil || !lr.Equal(fixedNow) {
		t.Errorf("sender last-read not bumped: %v", lr)
	}
	if len(pub.messages) != 1 || pub.messages[0].RoomID != "r1" {
		t.Errorf("message event not published: %+v", pub.messages)
	}
}

func TestMessage_MentionExactness(t *testing.T) {
	st := seedStore()
	g := newTestGateway(st)
	pub := &recordingPublisher{}
	g.SetPublisher(pub)
	sender := joined(t, g, "s", "u3")
	kim := joined(t, g, "k", "u1")
	park := joined(t, g, "p", "u2")

	dispatch(g, sender, `{"type":"message","roomId":"r1","content":"hello @Kim and @Park, see @kim"}`)

	msgs := st.Messages("r1")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	mentions := st.Mentions(msgs[0].ID)
	if len(mentions) != 2 || mentions[0].UserID != "u1" || mentions[1].UserID != "u2" {
		t.Fatalf("expected mentions for u1 and u2, got %+v", mentions)
	}

	total := 0
	for _, c := range []*fakeClient{sender, kim, park} {
		total += len(c.of("mention"))
	}
	if total != 2 {
		t.Fatalf("expected exactly 2 mention unicasts, got %d", total)
	}
	m := kim.of("mention")[0]
	if m["senderName"] != "Lee" || m["roomId"] != "r1" || m["messageId"] != msgs[0].ID {
		t.Errorf("unexpected mention payload: %v", m)
	}
	if len(pub.mentions) != 2 {
		t.Errorf("expected 2 mention events, got %d", len(pub.mentions))
	}
}

func TestMessage_SelfMentionSkipsSendingConnection(t *testing.T) {
	st := seedStore()
	g := newTestGateway(st)
	phone := joined(t, g, "phone", "u1")
	laptop := newClient("laptop", "u1")
	g.Connect(laptop)
	laptop.reset()

	dispatch(g, phone, `{"type":"message","roomId":"r1","content":"note to self @Kim"}`)

	if len(phone.of("mention")) != 0 {
		t.Fatal("sending connection must not receive its own mention")
	}
	if len(laptop.of("mention")) != 1 {
		t.Fatal("the mentioned user's other connections should receive the mention")
	}
}

func TestMessage_ReplyPlaceholder(t *testing.T) {
	st := seedStore()
	g := newTestGateway(st)
	sender := joined(t, g, "s", "u1")

	orig, err := st.CreateMessage(context.Background(), store.NewMessage{RoomID: "r1", SenderID: "u2", Content: "secret plans"})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SoftDelete(orig.ID); err != nil {
		t.Fatal(err)
	}

	dispatch(g, sender, `{"type":"message","roomId":"r1","content":"what was that?","replyToId":%q}`, orig.ID)

	msgs := sender.of("message")
	if len(msgs) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(msgs))
	}
	reply, ok := msgs[0]["replyTo"].(map[string]interface{})
	if !ok {
		t.Fatalf("replyTo missing: %v", msgs[0])
	}
	if reply["content"] != chat.DeletedPlaceholder {
		t.Errorf("reply content = %v, want placeholder", reply["content"])
	}
	if s := reply["sender"].(map[string]interface{}); s["id"] != "u2" || s["displayName"] != "Park" {
		t.Errorf("reply sender not preserved: %v", s)
	}
	if msgs[0]["replyToId"] != orig.ID {
		t.Errorf("replyToId = %v, want %s", msgs[0]["replyToId"], orig.ID)
	}
}

func TestMessage_ReplyToMissingIsStoreFailure(t *testing.T) {
	st := seedStore()
	g := newTestGateway(st)
	sender := joined(t, g, "s", "u1")
	peer := joined(t, g, "p", "u2")

	dispatch(g, sender, `{"type":"message","roomId":"r1","content":"re","replyToId":12345}`)

	errs := sender.of("error")
	if len(errs) != 1 || errs[0]["code"] != "MESSAGE_CREATE" {
		t.Fatalf("expected MESSAGE_CREATE error, got %v", errs)
	}
	if peer.count() != 0 {
		t.Fatal("failed send must not reach the room")
	}
}

func TestMessage_SharedEventDefaultsAndEmptyNoop(t *testing.T) {
	st := seedStore()
	g := newTestGateway(st)
	sender := joined(t, g, "s", "u1")

	dispatch(g, sender, `{"type":"message","roomId":"r1","content":""}`)
	if len(st.Messages("r1")) != 0 || sender.count() != 0 {
		t.Fatal("empty message without event must be a no-op")
	}

	dispatch(g, sender, `{"type":"message","roomId":"r1","content":"",`+
		`"sharedEvent":{"title":"Standup","startAt":"2026-04-02T09:00:00Z","endAt":"2026-04-02T09:15:00Z"}}`)

	msgs := st.Messages("r1")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	m := msgs[0]
	if m.Content != chat.SharedEventPlaceholder || m.EventTitle != "Standup" {
		t.Fatalf("shared-event defaults not applied: %+v", m)
	}
	if m.EventStartAt == nil || !m.EventStartAt.Equal(time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("startAt = %v", m.EventStartAt)
	}

	b := sender.of("message")
	if len(b) != 1 || b[0]["eventTitle"] != "Standup" || b[0]["eventStartAt"] != "2026-04-02T09:00:00.000Z" {
		t.Fatalf("unexpected broadcast: %v", b)
	}
}

func TestMessage_StoreFailureSuppressesEverything(t *testing.T) {
	tests := []struct {
		name   string
		sender string
		setup  func(*failingStore)
	}{
		{"room members", "u3", func(f *failingStore) { f.failOn = "RoomMembers" }},
		{"create message", "u3", func(f *failingStore) { f.failOn = "CreateMessage" }},
		// Choi passes the membership check but has no membership row, so
		// marking the sender read fails inside the store.
		{"mark read", "u4", func(f *failingStore) {}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &failingStore{Store: seedStore(), staleMembership: true}
			g := newTestGateway(st)
			sender := joined(t, g, "s", tt.sender)
			kim := joined(t, g, "k", "u1")
			before := st.Room("r1").UpdatedAt
			tt.setup(st)

			dispatch(g, sender, `{"type":"message","roomId":"r1","content":"hi @Kim"}`)

			errs := sender.of("error")
			if len(errs) != 1 || errs[0]["code"] != "MESSAGE_CREATE" {
				t.Fatalf("expected MESSAGE_CREATE error, got %v", errs)
			}
			if len(sender.of("message")) != 0 || kim.count() != 0 {
				t.Fatal("store failure leaked a broadcast or mention")
			}
			if n := len(st.Messages("r1")); n != 0 {
				t.Fatalf("%d messages persisted after a failed send", n)
			}
			if !st.Room("r1").UpdatedAt.Equal(before) {
				t.Error("room updatedAt moved after a failed send")
			}
			if m := st.Member("r1", tt.sender); m != nil && m.LastReadAt != nil {
				t.Errorf("sender last read set after a failed send: %v", m.LastReadAt)
			}
		})
	}
}

func TestMessage_RateLimited(t *testing.T) {
	st := seedStore()
	g := newTestGateway(st)
	g.SetThrottle(denyThrottle{retryAfter: 2500 * time.Millisecond})
	sender := joined(t, g, "s", "u1")

	dispatch(g, sender, `{"type":"message","roomId":"r1","content":"spam"}`)

	rl := sender.of("rate_limited")
	if len(rl) != 1 || rl[0]["retryAfter"] != float64(3) {
		t.Fatalf("expected rate_limited with retryAfter 3, got %v", rl)
	}
	if len(st.Messages("r1")) != 0 {
		t.Fatal("throttled message was persisted")
	}
}

func TestMessage_ConcurrentSenders(t *testing.T) {
	st := seedStore()
	g := newTestGateway(st)
	a := joined(t, g, "a", "u1")
	b := joined(t, g, "b", "u2")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			dispatch(g, a, `{"type":"message","roomId":"r1","content":"a%d"}`, i)
		}(i)
		go func(i int) {
			defer wg.Done()
			dispatch(g, b, `{"type":"message","roomId":"r1","content":"b%d"}`, i)
		}(i)
	}
	wg.Wait()

	if n := len(st.Messages("r1")); n != 40 {
		t.Fatalf("expected 40 messages, got %d", n)
	}
	if len(a.of("message")) != 40 || len(b.of("message")) != 40 {
		t.Fatalf("each subscriber should see all 40 broadcasts: a=%d b=%d", len(a.of("message")), len(b.of("message")))
	}
}

// ---------------------------------------------------------------------------
// Typing
// ---------------------------------------------------------------------------

func TestTyping_ExcludesSender(t *testing.T) {
	g := newTestGateway(seedStore())
	sender := joined(t, g, "s", "u1")
	sameUser := joined(t, g, "s2", "u1")
	peer := joined(t, g, "p", "u2")

	dispatch(g, sender, `{"type":"typing","roomId":"r1","isTyping":true}`)

	if len(sender.of("typing")) != 0 {
		t.Fatal("sender must not receive its own typing event")
	}
	for _, c := range []*fakeClient{sameUser, peer} {
		ev := c.of("typing")
		if len(ev) != 1 || ev[0]["userId"] != "u1" || ev[0]["isTyping"] != true || ev[0]["roomId"] != "r1" {
			t.Fatalf("%s: unexpected typing frames %v", c.id, ev)
		}
	}
}

// ---------------------------------------------------------------------------
// Read receipts
// ---------------------------------------------------------------------------

func TestReadReceipt_IdempotentWithTwoBroadcasts(t *testing.T) {
	st := seedStore()
	g := newTestGateway(st)
	pub := &recordingPublisher{}
	g.SetPublisher(pub)
	reader := joined(t, g, "r", "u2")
	author := joined(t, g, "a", "u1")

	msg, _ := st.CreateMessage(context.Background(), store.NewMessage{RoomID: "r1", SenderID: "u1", Content: "read me"})

	dispatch(g, reader, `{"type":"read_receipt","messageId":%q}`, msg.ID)
	dispatch(g, reader, `{"type":"read_receipt","messageId":%q}`, msg.ID)

	if n := len(st.Receipts(msg.ID)); n != 1 {
		t.Fatalf("expected 1 stored receipt, got %d", n)
	}
	for _, c := range []*fakeClient{reader, author} {
		rr := c.of("read_receipt")
		if len(rr) != 2 {
			t.Fatalf("%s: expected 2 receipt broadcasts, got %d", c.id, len(rr))
		}
		if rr[0]["id"] != rr[1]["id"] || rr[0]["roomId"] != "r1" || rr[0]["userId"] != "u2" {
			t.Fatalf("unexpected receipts: %v", rr)
		}
	}
	if len(pub.receipts) != 2 || !pub.receipts[0].Created || pub.receipts[1].Created {
		t.Fatalf("unexpected receipt events: %+v", pub.receipts)
	}
}

func TestReadReceipt_Failures(t *testing.T) {
	st := &failingStore{Store: seedStore()}
	g := newTestGateway(st)
	reader := joined(t, g, "r", "u2")
	author := joined(t, g, "a", "u1")

	dispatch(g, reader, `{"type":"read_receipt","messageId":"missing"}`)
	if errs := reader.of("error"); len(errs) != 1 || errs[0]["code"] != "READ_RECEIPT" {
		t.Fatalf("expected READ_RECEIPT error for unknown message, got %v", errs)
	}

	msg, _ := st.CreateMessage(context.Background(), store.NewMessage{RoomID: "r1", SenderID: "u1", Content: "x"})
	st.failOn = "UpsertReadReceipt"
	reader.reset()
	dispatch(g, reader, `{"type":"read_receipt","messageId":%q}`, msg.ID)
	if errs := reader.of("error"); len(errs) != 1 || errs[0]["code"] != "READ_RECEIPT" {
		t.Fatalf("expected READ_RECEIPT error for store failure, got %v", errs)
	}
	if len(author.of("read_receipt")) != 0 {
		t.Fatal("failed receipt must not be broadcast")
	}
}

func TestReadReceipt_NonMemberDropped(t *testing.T) {
	st := seedStore()
	g := newTestGateway(st)
	author := joined(t, g, "a", "u1")
	outsider := newClient("x", "u4")
	g.Connect(outsider)
	outsider.reset()
	author.reset()

	msg, _ := st.CreateMessage(context.Background(), store.NewMessage{RoomID: "r1", SenderID: "u1", Content: "x"})
	dispatch(g, outsider, `{"type":"read_receipt","messageId":%q}`, msg.ID)

	if outsider.count() != 0 || author.count() != 0 || len(st.Receipts(msg.ID)) != 0 {
		t.Fatal("non-member read receipt must be a silent no-op")
	}
}
