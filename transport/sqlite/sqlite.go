// Package sqlite provides a single-host durable queue on top of an SQLite
// file. Rows are claimed with a lease, deleted on ack, and pushed back with
// a linear backoff on nack. After MaxRetries nacks a row is parked in the
// dead_letters table.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/drblury/matchwatch/internal/runtime/jsoncodec"
	"github.com/drblury/matchwatch/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "sqlite"

const (
	DefaultFilePath     = "matchwatch_queue.db"
	DefaultPollInterval = 100 * time.Millisecond
	DefaultMaxRetries   = 5
	DefaultLease        = 5 * time.Minute
	DefaultRetryBackoff = time.Second
)

var errClosed = errors.New("sqlite: transport is closed")

func init() {
	transport.Register(TransportName, Build, transport.SQLiteCapabilities)
}

// Build creates a new SQLite transport.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{FilePath: cfg.GetSQLiteFile()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the database file. ":memory:" keeps everything in process.
	FilePath     string
	PollInterval time.Duration
	// MaxRetries is the number of nacks a message survives before it is parked.
	MaxRetries int
	// Lease is how long a delivered message stays invisible to other subscribers.
	Lease        time.Duration
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = DefaultFilePath
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Lease <= 0 {
		c.Lease = DefaultLease
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	return c
}

func (c Config) dsn() string {
	return c.FilePath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT NOT NULL UNIQUE,
	topic TEXT NOT NULL,
	payload BLOB NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	available_at INTEGER NOT NULL,
	locked_until INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_messages_topic_available ON messages(topic, available_at);

CREATE TABLE IF NOT EXISTS dead_letters (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT NOT NULL,
	topic TEXT NOT NULL,
	payload BLOB NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	attempts INTEGER NOT NULL,
	failed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_topic ON dead_letters(topic);
`

// Transport implements both Publisher and Subscriber for SQLite.
type Transport struct {
	db     *sql.DB
	config Config
	logger watermill.LoggerAdapter
	now    func() time.Time

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// New opens the database file and creates the tables.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("sqlite", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("open sqlite queue: %w", err)
	}

	// One connection keeps ":memory:" databases shared and serialises claims.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialise sqlite queue schema: %w", err)
	}

	return &Transport{
		db:     db,
		config: cfg,
		logger: logger,
		now:    time.Now,
		done:   make(chan struct{}),
	}, nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) nowMillis() int64 {
	return t.now().UTC().UnixMilli()
}

// Publish inserts all messages in one transaction. A message whose UUID is
// already queued is ignored.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return errClosed
	}

	tx, err := t.db.Begin()
	if err != nil {
		return fmt.Errorf("begin publish: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := t.nowMillis()
	for _, msg := range messages {
		md, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata of %s: %w", msg.UUID, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO messages (uuid, topic, payload, metadata, available_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(uuid) DO NOTHING`,
			msg.UUID, topic, []byte(msg.Payload), string(md), now,
		); err != nil {
			return fmt.Errorf("insert message %s: %w", msg.UUID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit publish: %w", err)
	}
	return nil
}

// Subscribe starts a poller that hands claimed rows to the returned channel
// one at a time.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, errClosed
	}

	out := make(chan *message.Message)
	t.wg.Add(1)
	go t.poll(ctx, topic, out)
	return out, nil
}

func (t *Transport) poll(ctx context.Context, topic string, out chan<- *message.Message) {
	defer t.wg.Done()
	defer close(out)

	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-ticker.C:
		}

		for {
			row, ok := t.claim(ctx, topic)
			if !ok {
				break
			}
			if !t.deliver(ctx, topic, row, out) {
				return
			}
		}
	}
}

type claimedRow struct {
	id       int64
	uuid     string
	payload  []byte
	metadata string
	attempts int
}

func (t *Transport) claim(ctx context.Context, topic string) (claimedRow, bool) {
	var row claimedRow

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Error("sqlite claim: begin failed", err, watermill.LogFields{"topic": topic})
		}
		return row, false
	}
	defer func() { _ = tx.Rollback() }()

	now := t.nowMillis()
	err = tx.QueryRowContext(ctx, `
		SELECT id, uuid, payload, metadata, attempts
		FROM messages
		WHERE topic = ? AND available_at <= ? AND locked_until < ?
		ORDER BY available_at, id
		LIMIT 1`, topic, now, now,
	).Scan(&row.id, &row.uuid, &row.payload, &row.metadata, &row.attempts)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil {
			t.logger.Error("sqlite claim: select failed", err, watermill.LogFields{"topic": topic})
		}
		return row, false
	}

	lease := now + t.config.Lease.Milliseconds()
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET locked_until = ? WHERE id = ?`, lease, row.id); err != nil {
		t.logger.Error("sqlite claim: lock failed", err, watermill.LogFields{"topic": topic})
		return row, false
	}
	if err := tx.Commit(); err != nil {
		t.logger.Error("sqlite claim: commit failed", err, watermill.LogFields{"topic": topic})
		return row, false
	}
	return row, true
}

func (t *Transport) deliver(ctx context.Context, topic string, row claimedRow, out chan<- *message.Message) bool {
	msg := message.NewMessage(row.uuid, row.payload)
	if row.metadata != "" {
		if err := jsoncodec.Unmarshal([]byte(row.metadata), &msg.Metadata); err != nil {
			t.logger.Error("sqlite: metadata decode failed", err, watermill.LogFields{"message_uuid": row.uuid})
		}
	}
	msg.SetContext(ctx)

	select {
	case out <- msg:
	case <-ctx.Done():
		t.release(row.id)
		return false
	case <-t.done:
		t.release(row.id)
		return false
	}

	select {
	case <-msg.Acked():
		t.ack(row.id)
	case <-msg.Nacked():
		t.nack(topic, row)
	case <-ctx.Done():
		t.release(row.id)
		return false
	case <-t.done:
		t.release(row.id)
		return false
	}
	return true
}

func (t *Transport) ack(id int64) {
	if _, err := t.db.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
		t.logger.Error("sqlite: ack failed", err, watermill.LogFields{"row_id": id})
	}
}

func (t *Transport) nack(topic string, row claimedRow) {
	attempts := row.attempts + 1
	if attempts >= t.config.MaxRetries {
		t.park(topic, row, attempts)
		return
	}

	availableAt := t.now().UTC().Add(time.Duration(attempts) * t.config.RetryBackoff).UnixMilli()
	if _, err := t.db.Exec(
		`UPDATE messages SET attempts = ?, locked_until = 0, available_at = ? WHERE id = ?`,
		attempts, availableAt, row.id,
	); err != nil {
		t.logger.Error("sqlite: nack failed", err, watermill.LogFields{"row_id": row.id})
	}
}

func (t *Transport) park(topic string, row claimedRow, attempts int) {
	tx, err := t.db.Begin()
	if err != nil {
		t.logger.Error("sqlite: park begin failed", err, watermill.LogFields{"row_id": row.id})
		return
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`INSERT INTO dead_letters (uuid, topic, payload, metadata, attempts, failed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		row.uuid, topic, row.payload, row.metadata, attempts, t.nowMillis(),
	); err != nil {
		t.logger.Error("sqlite: park insert failed", err, watermill.LogFields{"row_id": row.id})
		return
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, row.id); err != nil {
		t.logger.Error("sqlite: park delete failed", err, watermill.LogFields{"row_id": row.id})
		return
	}
	if err := tx.Commit(); err != nil {
		t.logger.Error("sqlite: park commit failed", err, watermill.LogFields{"row_id": row.id})
		return
	}
	t.logger.Info("sqlite: message parked after max retries", watermill.LogFields{
		"topic":        topic,
		"message_uuid": row.uuid,
		"attempts":     attempts,
	})
}

func (t *Transport) release(id int64) {
	if _, err := t.db.Exec(`UPDATE messages SET locked_until = 0 WHERE id = ?`, id); err != nil {
		t.logger.Error("sqlite: release failed", err, watermill.LogFields{"row_id": id})
	}
}

// GetPendingCount returns the number of queued messages for a topic,
// including claimed ones that are not settled yet.
func (t *Transport) GetPendingCount(topic string) (int64, error) {
	var count int64
	err := t.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE topic = ?`, topic).Scan(&count)
	return count, err
}

// GetDeadLetterCount returns the number of parked messages for a topic.
func (t *Transport) GetDeadLetterCount(topic string) (int64, error) {
	var count int64
	err := t.db.QueryRow(`SELECT COUNT(*) FROM dead_letters WHERE topic = ?`, topic).Scan(&count)
	return count, err
}

// Close stops every poller and closes the database.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	t.wg.Wait()
	return t.db.Close()
}
