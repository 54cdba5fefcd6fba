// Package store persists tickets, email records, per-owner sync state and
// the event outbox in sqlite. Uniqueness constraints here are the
// authoritative guards against duplicate imports: the read-then-insert
// pattern upstream is an optimization, the constraints close the race.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps the service database.
type Store struct {
	DB *sql.DB
}

// Ticket is the record created once per imported conversation. ThreadID is
// the stable external thread identifier and doubles as the dedup key.
type Ticket struct {
	ID          string
	Subject     string
	Description string
	Status      string
	Priority    string
	CustomerID  string
	OrgID       string
	ThreadID    string
	Metadata    map[string]interface{}
	CreatedAt   time.Time
}

// AttachmentMeta is the attachment summary stored on an email record.
type AttachmentMeta struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// EmailRecord is one message belonging to a ticket. Append-only, one row
// per distinct message id per org.
type EmailRecord struct {
	ID          int64
	TicketID    string
	MessageID   string
	ThreadID    string
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	Body        string
	Attachments []AttachmentMeta
	SentAt      time.Time
	OrgID       string
}

// Event is an outbox entry published to the event stream once its row
// commit is durable.
type Event struct {
	Subject string
	Type    string
	Payload []byte
	MsgID   string
}

// OutboxMessage is a dequeued, not-yet-published event.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// SyncState is the persisted continuation state for one owner.
type SyncState struct {
	OwnerID      string
	Cursor       string
	Status       string
	LastError    string
	LastSyncedAt time.Time
}

// Open opens or creates the service database and applies the schema.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// FindTicketByThreadID returns the ticket holding the given thread dedup
// key, or nil when the thread has not been imported.
func (s *Store) FindTicketByThreadID(ctx context.Context, orgID, threadID string) (*Ticket, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, subject, description, status, priority, customer_id, org_id, thread_id, metadata_json, created_at
		FROM tickets WHERE org_id = ? AND thread_id = ?
	`, orgID, threadID)
	t, err := scanTicket(row)
	if err != nil {
		return nil, fmt.Errorf("failed to query ticket by thread %s: %w", threadID, err)
	}
	return t, nil
}

// TicketByID returns one ticket, or nil when it does not exist.
func (s *Store) TicketByID(ctx context.Context, ticketID string) (*Ticket, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, subject, description, status, priority, customer_id, org_id, thread_id, metadata_json, created_at
		FROM tickets WHERE id = ?
	`, ticketID)
	t, err := scanTicket(row)
	if err != nil {
		return nil, fmt.Errorf("failed to query ticket %s: %w", ticketID, err)
	}
	return t, nil
}

func scanTicket(row *sql.Row) (*Ticket, error) {
	t := &Ticket{}
	var metadataJSON string
	var createdAt int64
	err := row.Scan(&t.ID, &t.Subject, &t.Description, &t.Status, &t.Priority,
		&t.CustomerID, &t.OrgID, &t.ThreadID, &metadataJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.CreatedAt = time.Unix(createdAt, 0)
	if err := json.Unmarshal([]byte(metadataJSON), &t.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode ticket metadata: %w", err)
	}
	return t, nil
}

// InsertTicketIfAbsent inserts the ticket unless its (org, thread) dedup
// key already exists. Returns false when a concurrent importer won the
// race; that outcome is expected control flow, not an error. On a real
// insert the event (when non-nil) is enqueued in the same transaction.
func (s *Store) InsertTicketIfAbsent(ctx context.Context, t *Ticket, event *Event) (bool, error) {
	metadataJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return false, fmt.Errorf("failed to encode ticket metadata: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO tickets
		(id, subject, description, status, priority, customer_id, org_id, thread_id, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Subject, t.Description, t.Status, t.Priority,
		t.CustomerID, t.OrgID, t.ThreadID, string(metadataJSON), t.CreatedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to insert ticket: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if event != nil {
		if err := enqueueEventTx(ctx, tx, event); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// InsertEmailRecordIfAbsent inserts one email record unless its (org,
// message) key already exists. Duplicate message ids are swallowed so
// overlapping polls and re-imports stay safe.
func (s *Store) InsertEmailRecordIfAbsent(ctx context.Context, r *EmailRecord, event *Event) (bool, error) {
	toJSON, _ := json.Marshal(emptyIfNil(r.To))
	ccJSON, _ := json.Marshal(emptyIfNil(r.Cc))
	bccJSON, _ := json.Marshal(emptyIfNil(r.Bcc))
	attachmentsJSON, err := json.Marshal(r.Attachments)
	if err != nil {
		return false, fmt.Errorf("failed to encode attachments: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO email_records
		(ticket_id, message_id, thread_id, from_address, to_addrs, cc_addrs, bcc_addrs,
		 subject, body, attachments_json, sent_at, org_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.TicketID, r.MessageID, r.ThreadID, r.From, string(toJSON), string(ccJSON), string(bccJSON),
		r.Subject, r.Body, string(attachmentsJSON), r.SentAt.Unix(), r.OrgID, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to insert email record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if event != nil {
		if err := enqueueEventTx(ctx, tx, event); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// EmailRecordsForTicket returns a ticket's messages in chronological order.
func (s *Store) EmailRecordsForTicket(ctx context.Context, ticketID string) ([]EmailRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, ticket_id, message_id, thread_id, from_address, to_addrs, cc_addrs, bcc_addrs,
		       subject, body, attachments_json, sent_at, org_id
		FROM email_records WHERE ticket_id = ? ORDER BY sent_at, id
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query email records: %w", err)
	}
	defer rows.Close()

	var records []EmailRecord
	for rows.Next() {
		var r EmailRecord
		var toJSON, ccJSON, bccJSON, attachmentsJSON string
		var sentAt int64
		if err := rows.Scan(&r.ID, &r.TicketID, &r.MessageID, &r.ThreadID, &r.From,
			&toJSON, &ccJSON, &bccJSON, &r.Subject, &r.Body, &attachmentsJSON, &sentAt, &r.OrgID); err != nil {
			return nil, fmt.Errorf("failed to scan email record: %w", err)
		}
		r.SentAt = time.Unix(sentAt, 0)
		_ = json.Unmarshal([]byte(toJSON), &r.To)
		_ = json.Unmarshal([]byte(ccJSON), &r.Cc)
		_ = json.Unmarshal([]byte(bccJSON), &r.Bcc)
		_ = json.Unmarshal([]byte(attachmentsJSON), &r.Attachments)
		records = append(records, r)
	}
	return records, rows.Err()
}

// LoadSyncState returns the persisted sync state for an owner, or a zero
// state when the owner has never synced.
func (s *Store) LoadSyncState(ctx context.Context, ownerID string) (*SyncState, error) {
	st := &SyncState{OwnerID: ownerID}
	var lastSyncedAt sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `
		SELECT cursor, status, last_error, last_synced_at FROM owner_sync_state WHERE owner_id = ?
	`, ownerID).Scan(&st.Cursor, &st.Status, &st.LastError, &lastSyncedAt)
	if err == sql.ErrNoRows {
		st.Status = "IDLE"
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	if lastSyncedAt.Valid {
		st.LastSyncedAt = time.Unix(lastSyncedAt.Int64, 0)
	}
	return st, nil
}

// SaveSyncState upserts the owner's cursor and status.
func (s *Store) SaveSyncState(ctx context.Context, ownerID, cursor, status string) error {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO owner_sync_state (owner_id, cursor, status, last_error, last_synced_at, updated_at)
		VALUES (?, ?, ?, '', ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			cursor = excluded.cursor,
			status = excluded.status,
			last_error = '',
			last_synced_at = excluded.last_synced_at,
			updated_at = excluded.updated_at
	`, ownerID, cursor, status, now, now)
	if err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}

// UpdateSyncStatus records a status transition with error detail.
func (s *Store) UpdateSyncStatus(ctx context.Context, ownerID, status, errorMsg string) error {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO owner_sync_state (owner_id, cursor, status, last_error, updated_at)
		VALUES (?, '', ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			status = excluded.status,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, ownerID, status, errorMsg, now)
	return err
}

// EnqueueEvent appends an event to the outbox outside any other write.
func (s *Store) EnqueueEvent(ctx context.Context, event *Event) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := enqueueEventTx(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

func enqueueEventTx(ctx context.Context, tx *sql.Tx, event *Event) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, event.Subject, event.Type, event.Payload, event.MsgID, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished events whose next attempt is due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox event as delivered.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and defers the next attempt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
