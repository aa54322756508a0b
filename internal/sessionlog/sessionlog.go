// Package sessionlog records a local history of connect/disconnect events —
// channel id, host, username, timestamps — to a SQLite file, so a desktop
// client can show "recent connections" without the core owning any UI.
// Deliberately stores no secrets: no password, no private key path, no
// passphrase. Grounded on the teacher's use of modernc.org/sqlite as a
// dependency-free SQLite driver and github.com/pocketbase/dbx as the query
// builder layered over *sql.DB.
package sessionlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"
	_ "modernc.org/sqlite"
)

// Entry is one row of session history.
type Entry struct {
	ChannelId   string    `db:"channel_id"`
	Host        string    `db:"host"`
	Port        int       `db:"port"`
	Username    string    `db:"username"`
	ConnectedAt time.Time `db:"connected_at"`
	// ClosedAt is the zero time while the session is still open.
	ClosedAt sql.NullTime `db:"closed_at"`
}

// Log wraps a dbx.DB backed by a single SQLite file at path.
type Log struct {
	db *dbx.DB
}

// Open opens (creating if absent) the SQLite file at path and ensures the
// sessions table exists.
func Open(path string) (*Log, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	db := dbx.NewFromDB(sqlDB, "sqlite")
	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) migrate() error {
	_, err := l.db.NewQuery(`
		CREATE TABLE IF NOT EXISTS sessions (
			channel_id   TEXT PRIMARY KEY,
			host         TEXT NOT NULL,
			port         INTEGER NOT NULL,
			username     TEXT NOT NULL,
			connected_at DATETIME NOT NULL,
			closed_at    DATETIME
		)
	`).Execute()
	if err != nil {
		return fmt.Errorf("migrate sessions table: %w", err)
	}
	return nil
}

// RecordConnect inserts a row for a newly opened session.
func (l *Log) RecordConnect(ctx context.Context, channelId, host string, port int, username string, at time.Time) error {
	_, err := l.db.NewQuery(`
		INSERT INTO sessions (channel_id, host, port, username, connected_at)
		VALUES ({:id}, {:host}, {:port}, {:user}, {:at})
	`).Bind(dbx.Params{
		"id":   channelId,
		"host": host,
		"port": port,
		"user": username,
		"at":   at,
	}).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("record connect: %w", err)
	}
	return nil
}

// RecordDisconnect stamps closed_at for channelId.
func (l *Log) RecordDisconnect(ctx context.Context, channelId string, at time.Time) error {
	_, err := l.db.NewQuery(`
		UPDATE sessions SET closed_at = {:at} WHERE channel_id = {:id}
	`).Bind(dbx.Params{
		"at": at,
		"id": channelId,
	}).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("record disconnect: %w", err)
	}
	return nil
}

// Recent returns the limit most recently connected sessions, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	var entries []Entry
	err := l.db.NewQuery(`
		SELECT channel_id, host, port, username, connected_at, closed_at
		FROM sessions
		ORDER BY connected_at DESC
		LIMIT {:limit}
	`).Bind(dbx.Params{"limit": limit}).WithContext(ctx).All(&entries)
	if err != nil {
		return nil, fmt.Errorf("recent sessions: %w", err)
	}
	return entries, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}
