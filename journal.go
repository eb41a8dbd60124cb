package meshcoap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
)

// JournalSink persists diagnostics to a Postgres table through a background writer.
type JournalSink struct {
	db      *sql.DB
	ownsDB  bool
	insert  string
	logger  *slog.Logger
	queue   chan Diagnostic
	dropped atomic.Uint64

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// OpenJournal connects to dsn and returns a journal writing to table.
func OpenJournal(ctx context.Context, dsn, table string, logger *slog.Logger) (*JournalSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal database: %w", err)
	}
	j, err := NewJournalSink(ctx, db, table, 256, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	j.ownsDB = true
	return j, nil
}

// NewJournalSink creates table if needed and starts the writer. db stays owned by the caller.
func NewJournalSink(ctx context.Context, db *sql.DB, table string, buffer int, logger *slog.Logger) (*JournalSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.ExecContext(ctx, journalSchema(table)); err != nil {
		return nil, fmt.Errorf("create journal table: %w", err)
	}
	j := &JournalSink{
		db:     db,
		insert: journalInsert(table),
		logger: logger,
		queue:  make(chan Diagnostic, buffer),
		done:   make(chan struct{}),
	}
	j.wg.Add(1)
	go j.run()
	return j, nil
}

func journalSchema(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + pq.QuoteIdentifier(table) + ` (
	id         BIGSERIAL PRIMARY KEY,
	logged_at  TIMESTAMPTZ NOT NULL,
	level      TEXT NOT NULL,
	kind       TEXT NOT NULL,
	session_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	peer       TEXT NOT NULL,
	message    TEXT NOT NULL,
	error      TEXT
)`
}

func journalInsert(table string) string {
	return `INSERT INTO ` + pq.QuoteIdentifier(table) +
		` (logged_at, level, kind, session_id, role, peer, message, error) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
}

func (j *JournalSink) Emit(d Diagnostic) {
	select {
	case <-j.done:
		return
	default:
	}
	select {
	case j.queue <- d:
	default:
		j.dropped.Add(1)
	}
}

// Dropped returns how many lines were discarded because the writer fell behind.
func (j *JournalSink) Dropped() uint64 {
	return j.dropped.Load()
}

func (j *JournalSink) run() {
	defer j.wg.Done()
	for {
		select {
		case d := <-j.queue:
			j.write(d)
		case <-j.done:
			for {
				select {
				case d := <-j.queue:
					j.write(d)
				default:
					return
				}
			}
		}
	}
}

func (j *JournalSink) write(d Diagnostic) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errText sql.NullString
	if d.Err != nil {
		errText = sql.NullString{String: d.Err.Error(), Valid: true}
	}
	_, err := j.db.ExecContext(ctx, j.insert,
		d.Time, d.Level.String(), d.Kind.String(), d.Session, d.Role.String(), d.Peer.String(), d.Text, errText)
	if err != nil {
		j.dropped.Add(1)
		j.logger.Warn("journal insert failed", "kind", d.Kind, "error", err)
	}
}

// Close flushes pending lines and closes the database if OpenJournal opened it.
func (j *JournalSink) Close() error {
	j.once.Do(func() { close(j.done) })
	j.wg.Wait()
	if j.ownsDB {
		return j.db.Close()
	}
	return nil
}
