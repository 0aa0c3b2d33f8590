// Package cache is a small read-through store of recent messages, so a
// reopened room can render before the REST backfill lands. The in-memory
// message store stays authoritative; the cache is only a seed.
package cache

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/lumora-app/roomsync/pkg/room"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Cache struct {
	db *sql.DB
}

// Open opens (or creates) the cache database and runs pending migrations.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate up: %w", err)
	}

	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Put upserts messages. The reaction tally is stored as a JSON snapshot; it
// is a display seed, not a ledger.
func (c *Cache) Put(ctx context.Context, msgs ...room.Message) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO messages (id, room_id, author_id, author_handle, author_avatar, content, created_at, reactions)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET content = excluded.content, reactions = excluded.reactions`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		reactions, err := json.Marshal(m.Reactions)
		if err != nil {
			return fmt.Errorf("marshal reactions: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			m.ID, m.RoomID, m.AuthorID, m.AuthorHandle, m.AuthorAvatar,
			m.Content, m.CreatedAt.UTC(), string(reactions)); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// Recent returns up to limit messages of a room, newest-first, matching the
// REST history contract so the store can merge both through the same path.
func (c *Cache) Recent(ctx context.Context, roomID string, limit int) ([]room.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.db.QueryContext(ctx, `
	SELECT id, room_id, author_id, author_handle, author_avatar, content, created_at, reactions
	FROM messages WHERE room_id = ? ORDER BY created_at DESC LIMIT ?`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	var msgs []room.Message
	for rows.Next() {
		var m room.Message
		var reactions string
		if err := rows.Scan(&m.ID, &m.RoomID, &m.AuthorID, &m.AuthorHandle,
			&m.AuthorAvatar, &m.Content, &m.CreatedAt, &reactions); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(reactions), &m.Reactions); err != nil {
			m.Reactions = nil
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Prune keeps only the newest keep messages of a room.
func (c *Cache) Prune(ctx context.Context, roomID string, keep int) error {
	_, err := c.db.ExecContext(ctx, `
	DELETE FROM messages WHERE room_id = ? AND id NOT IN (
		SELECT id FROM messages WHERE room_id = ? ORDER BY created_at DESC LIMIT ?
	)`, roomID, roomID, keep)
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	return nil
}
