// Package memory is an in-process implementation of store.Store. It backs
// the gateway tests and the "memory" store driver used for local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/rooms/internal/store"
)

type receiptKey struct {
	messageID string
	userID    string
}

// Store is a goroutine-safe in-memory record store.
type Store struct {
	mu       sync.RWMutex
	users    map[string]store.User
	rooms    map[string]*store.Room
	members  map[string]map[string]*store.Member // room -> user -> member
	messages map[string]*store.Message
	order    []string // message IDs in insertion order
	mentions map[store.Mention]struct{}
	receipts map[receiptKey]*store.ReadReceipt
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		users:    make(map[string]store.User),
		rooms:    make(map[string]*store.Room),
		members:  make(map[string]map[string]*store.Member),
		messages: make(map[string]*store.Message),
		mentions: make(map[store.Mention]struct{}),
		receipts: make(map[receiptKey]*store.ReadReceipt),
	}
}

var _ store.Store = (*Store)(nil)

// ---------------------------------------------------------------------------
// Seeding helpers
// ---------------------------------------------------------------------------

// AddUser registers or replaces a user.
func (s *Store) AddUser(u store.User) {
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
}

// AddRoom creates a room if it does not exist.
func (s *Store) AddRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		s.rooms[roomID] = &store.Room{ID: roomID, UpdatedAt: time.Now()}
		s.members[roomID] = make(map[string]*store.Member)
	}
}

// AddMember makes userID an active member of roomID, creating the room if
// needed. Re-adding a member who left clears LeftAt.
func (s *Store) AddMember(roomID, userID string) {
	s.AddRoom(roomID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.members[roomID][userID]; ok {
		m.LeftAt = nil
		return
	}
	s.members[roomID][userID] = &store.Member{
		RoomID:   roomID,
		UserID:   userID,
		JoinedAt: time.Now(),
	}
}

// Leave marks userID as departed from roomID.
func (s *Store) Leave(roomID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.members[roomID][userID]; ok {
		now := time.Now()
		m.LeftAt = &now
	}
}

// SoftDelete sets the deletion marker on a message.
func (s *Store) SoftDelete(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	m.DeletedAt = &now
	return nil
}

// ---------------------------------------------------------------------------
// Inspection helpers
// ---------------------------------------------------------------------------

// Room returns a copy of the room or nil.
func (s *Store) Room(roomID string) *store.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

// Member returns a copy of the membership record or nil.
func (s *Store) Member(roomID, userID string) *store.Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[roomID][userID]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

// Messages returns the messages of a room in creation order.
func (s *Store) Messages(roomID string) []store.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Message
	for _, id := range s.order {
		if m := s.messages[id]; m.RoomID == roomID {
			out = append(out, *s.resolveLocked(m))
		}
	}
	return out
}

// Mentions returns the stored mentions for a message sorted by user ID.
func (s *Store) Mentions(messageID string) []store.Mention {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Mention
	for m := range s.mentions {
		if m.MessageID == messageID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Receipts returns the stored read receipts for a message.
func (s *Store) Receipts(messageID string) []store.ReadReceipt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.ReadReceipt
	for k, r := range s.receipts {
		if k.messageID == messageID {
			out = append(out, *r)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// store.Store
// ---------------------------------------------------------------------------

func (s *Store) IsMember(_ context.Context, roomID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[roomID][userID]
	return ok && m.Active(), nil
}

func (s *Store) RoomMembers(_ context.Context, roomID string) ([]store.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Member, 0, len(s.members[roomID]))
	for _, m := range s.members[roomID] {
		if !m.Active() {
			continue
		}
		cp := *m
		cp.DisplayName = s.users[m.UserID].DisplayName
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Store) Message(_ context.Context, messageID string) (*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.resolveLocked(m), nil
}

func (s *Store) CreateMessage(_ context.Context, nm store.NewMessage) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Every check runs before the first write so a failure leaves no trace.
	room, ok := s.rooms[nm.RoomID]
	if !ok {
		return nil, fmt.Errorf("memory: create message: room %s: %w", nm.RoomID, store.ErrNotFound)
	}
	if _, ok := s.users[nm.SenderID]; !ok {
		return nil, fmt.Errorf("memory: create message: sender %s: %w", nm.SenderID, store.ErrNotFound)
	}
	member, ok := s.members[nm.RoomID][nm.SenderID]
	if !ok {
		return nil, fmt.Errorf("memory: mark read: member %s: %w", nm.SenderID, store.ErrNotFound)
	}
	if nm.ReplyToID != "" {
		target, ok := s.messages[nm.ReplyToID]
		if !ok || target.RoomID != nm.RoomID {
			return nil, store.ErrReplyNotFound
		}
	}

	createdAt := nm.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	m := &store.Message{
		ID:               uuid.New().String(),
		RoomID:           nm.RoomID,
		SenderID:         nm.SenderID,
		Content:          nm.Content,
		EventTitle:       nm.EventTitle,
		EventStartAt:     nm.EventStartAt,
		EventEndAt:       nm.EventEndAt,
		EventDescription: nm.EventDescription,
		ReplyToID:        nm.ReplyToID,
		CreatedAt:        createdAt,
	}
	s.messages[m.ID] = m
	s.order = append(s.order, m.ID)
	room.UpdatedAt = createdAt
	lastRead := createdAt
	member.LastReadAt = &lastRead
	for _, userID := range nm.MentionUserIDs {
		s.mentions[store.Mention{MessageID: m.ID, UserID: userID}] = struct{}{}
	}
	return s.resolveLocked(m), nil
}

func (s *Store) UpsertReadReceipt(_ context.Context, messageID, userID string, at time.Time) (*store.ReadReceipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	key := receiptKey{messageID: messageID, userID: userID}
	if r, ok := s.receipts[key]; ok {
		cp := *r
		return &cp, false, nil
	}
	r := &store.ReadReceipt{
		ID:        uuid.New().String(),
		MessageID: messageID,
		UserID:    userID,
		RoomID:    msg.RoomID,
		ReadAt:    at,
	}
	s.receipts[key] = r
	cp := *r
	return &cp, true, nil
}

// resolveLocked returns a copy of m with Sender and ReplyTo filled in.
// The caller must hold s.mu.
func (s *Store) resolveLocked(m *store.Message) *store.Message {
	cp := *m
	cp.Sender = s.users[m.SenderID]
	cp.ReplyTo = nil
	if m.ReplyToID != "" {
		if target, ok := s.messages[m.ReplyToID]; ok {
			rt := *target
			rt.Sender = s.users[target.SenderID]
			rt.ReplyTo = nil
			cp.ReplyTo = &rt
		}
	}
	return &cp
}
