// Package postgres is the PostgreSQL implementation of store.Store.
// The schema lives in migrations/ and is applied with golang-migrate.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // postgres:// migrate driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // postgres database/sql driver

	"github.com/whisper/rooms/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open connects to PostgreSQL and verifies the connection.
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

// Migrate applies all pending up migrations to the database at databaseURL.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: migrations source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("postgres: migrate init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres: migrate up: %w", err)
	}
	version, dirty, _ := m.Version()
	log.Printf("postgres: schema at version %d (dirty=%v)", version, dirty)
	return nil
}

// Store implements store.Store on a *sql.DB.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

var _ store.Store = (*Store)(nil)

func (s *Store) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM room_members
			WHERE room_id = $1 AND user_id = $2 AND left_at IS NULL
		)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, roomID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("postgres: is member: %w", err)
	}
	return ok, nil
}

func (s *Store) RoomMembers(ctx context.Context, roomID string) ([]store.Member, error) {
	const query = `
		SELECT rm.room_id, rm.user_id, u.display_name, rm.joined_at, rm.last_read_at
		FROM room_members rm
		JOIN users u ON u.id = rm.user_id
		WHERE rm.room_id = $1 AND rm.left_at IS NULL
		ORDER BY rm.user_id`

	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("postgres: room members: %w", err)
	}
	defer rows.Close()

	var members []store.Member
	for rows.Next() {
		var (
			m        store.Member
			lastRead sql.NullTime
		)
		if err := rows.Scan(&m.RoomID, &m.UserID, &m.DisplayName, &m.JoinedAt, &lastRead); err != nil {
			return nil, fmt.Errorf("postgres: scan member: %w", err)
		}
		m.LastReadAt = timePtr(lastRead)
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: room members: %w", err)
	}
	return members, nil
}

const selectMessage = `
	SELECT m.id, m.room_id, m.sender_id, m.content,
	       COALESCE(m.event_title, ''), m.event_start_at, m.event_end_at,
	       COALESCE(m.event_description, ''), COALESCE(m.reply_to_id, ''),
	       m.deleted_at, m.created_at,
	       u.id, u.display_name, u.avatar_url
	FROM messages m
	JOIN users u ON u.id = m.sender_id
	WHERE m.id = $1`

// Message returns the message with its sender and reply target resolved.
func (s *Store) Message(ctx context.Context, messageID string) (*store.Message, error) {
	msg, err := s.scanMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ReplyToID != "" {
		target, err := s.scanMessage(ctx, msg.ReplyToID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		msg.ReplyTo = target
	}
	return msg, nil
}

func (s *Store) scanMessage(ctx context.Context, messageID string) (*store.Message, error) {
	var (
		m                   store.Message
		start, end, deleted sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, selectMessage, messageID).Scan(
		&m.ID, &m.RoomID, &m.SenderID, &m.Content,
		&m.EventTitle, &start, &end,
		&m.EventDescription, &m.ReplyToID,
		&deleted, &m.CreatedAt,
		&m.Sender.ID, &m.Sender.DisplayName, &m.Sender.AvatarURL,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: message: %w", err)
	}
	m.EventStartAt = timePtr(start)
	m.EventEndAt = timePtr(end)
	m.DeletedAt = timePtr(deleted)
	return &m, nil
}

func (s *Store) CreateMessage(ctx context.Context, nm store.NewMessage) (*store.Message, error) {
	id := uuid.New().String()
	createdAt := nm.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	if nm.ReplyToID != "" {
		var roomID string
		err := tx.QueryRowContext(ctx, `SELECT room_id FROM messages WHERE id = $1`, nm.ReplyToID).Scan(&roomID)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && roomID != nm.RoomID) {
			return nil, store.ErrReplyNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("postgres: reply lookup: %w", err)
		}
	}

	const insert = `
		INSERT INTO messages (id, room_id, sender_id, content,
		                      event_title, event_start_at, event_end_at, event_description,
		                      reply_to_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = tx.ExecContext(ctx, insert,
		id, nm.RoomID, nm.SenderID, nm.Content,
		nullString(nm.EventTitle), nullTime(nm.EventStartAt), nullTime(nm.EventEndAt), nullString(nm.EventDescription),
		nullString(nm.ReplyToID), createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: insert message: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE rooms SET updated_at = $2 WHERE id = $1`, nm.RoomID, createdAt)
	if err != nil {
		return nil, fmt.Errorf("postgres: touch room: %w", err)
	}
	if err := requireRow(res); err != nil {
		return nil, fmt.Errorf("postgres: touch room %s: %w", nm.RoomID, err)
	}

	const markRead = `UPDATE room_members SET last_read_at = $3 WHERE room_id = $1 AND user_id = $2`
	res, err = tx.ExecContext(ctx, markRead, nm.RoomID, nm.SenderID, createdAt)
	if err != nil {
		return nil, fmt.Errorf("postgres: mark read: %w", err)
	}
	if err := requireRow(res); err != nil {
		return nil, fmt.Errorf("postgres: mark read %s: %w", nm.SenderID, err)
	}

	const mention = `
		INSERT INTO mentions (message_id, user_id) VALUES ($1, $2)
		ON CONFLICT (message_id, user_id) DO NOTHING`
	for _, userID := range nm.MentionUserIDs {
		if _, err := tx.ExecContext(ctx, mention, id, userID); err != nil {
			return nil, fmt.Errorf("postgres: create mention: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: commit: %w", err)
	}

	return s.Message(ctx, id)
}

func (s *Store) UpsertReadReceipt(ctx context.Context, messageID, userID string, at time.Time) (*store.ReadReceipt, bool, error) {
	var roomID string
	err := s.db.QueryRowContext(ctx, `SELECT room_id FROM messages WHERE id = $1`, messageID).Scan(&roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, store.ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres: receipt message lookup: %w", err)
	}

	const insert = `
		INSERT INTO read_receipts (id, message_id, user_id, read_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id, user_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, insert, uuid.New().String(), messageID, userID, at)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: upsert receipt: %w", err)
	}
	n, _ := res.RowsAffected()

	r := store.ReadReceipt{RoomID: roomID}
	const query = `
		SELECT id, message_id, user_id, read_at FROM read_receipts
		WHERE message_id = $1 AND user_id = $2`
	if err := s.db.QueryRowContext(ctx, query, messageID, userID).Scan(&r.ID, &r.MessageID, &r.UserID, &r.ReadAt); err != nil {
		return nil, false, fmt.Errorf("postgres: read receipt: %w", err)
	}
	return &r, n == 1, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
