package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleTicket(id, orgID, threadID string) *Ticket {
	return &Ticket{
		ID:          id,
		Subject:     "Printer on fire",
		Description: "the printer is on fire",
		Status:      "open",
		Priority:    "medium",
		CustomerID:  "customer@example.com",
		OrgID:       orgID,
		ThreadID:    threadID,
		Metadata:    map[string]interface{}{"thread_id": threadID},
		CreatedAt:   time.Now(),
	}
}

func sampleEvent(msgID string) *Event {
	return &Event{
		Subject: "mailbox.org-1.ticket.created",
		Type:    "ticket.created",
		Payload: []byte(`{"k":"v"}`),
		MsgID:   msgID,
	}
}

func TestInsertTicketIfAbsent(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	created, err := st.InsertTicketIfAbsent(ctx, sampleTicket("t-1", "org-1", "thread-1"), sampleEvent("e-1"))
	require.NoError(t, err)
	assert.True(t, created)

	// Same org and thread: the second insert loses, regardless of ticket id.
	created, err = st.InsertTicketIfAbsent(ctx, sampleTicket("t-2", "org-1", "thread-1"), sampleEvent("e-2"))
	require.NoError(t, err)
	assert.False(t, created)

	// The losing insert must not enqueue its event.
	messages, err := st.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "e-1", messages[0].MsgID)

	// A different org may import the same thread.
	created, err = st.InsertTicketIfAbsent(ctx, sampleTicket("t-3", "org-2", "thread-1"), nil)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestFindTicketByThreadID(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	found, err := st.FindTicketByThreadID(ctx, "org-1", "thread-1")
	require.NoError(t, err)
	assert.Nil(t, found)

	_, err = st.InsertTicketIfAbsent(ctx, sampleTicket("t-1", "org-1", "thread-1"), nil)
	require.NoError(t, err)

	found, err = st.FindTicketByThreadID(ctx, "org-1", "thread-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "t-1", found.ID)
	assert.Equal(t, "thread-1", found.Metadata["thread_id"])

	// Org isolation.
	found, err = st.FindTicketByThreadID(ctx, "org-2", "thread-1")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestTicketByID(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	_, err := st.InsertTicketIfAbsent(ctx, sampleTicket("t-1", "org-1", "thread-1"), nil)
	require.NoError(t, err)

	found, err := st.TicketByID(ctx, "t-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "Printer on fire", found.Subject)

	missing, err := st.TicketByID(ctx, "t-404")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestInsertEmailRecordIfAbsent(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	rec := &EmailRecord{
		TicketID:  "t-1",
		MessageID: "msg-1",
		ThreadID:  "thread-1",
		From:      "customer@example.com",
		To:        []string{"support@example.com"},
		Subject:   "Printer on fire",
		Body:      "the printer is on fire",
		Attachments: []AttachmentMeta{
			{Filename: "photo.jpg", MimeType: "image/jpeg", Size: 1024},
		},
		SentAt: time.Now().Add(-time.Hour),
		OrgID:  "org-1",
	}

	created, err := st.InsertEmailRecordIfAbsent(ctx, rec, sampleEvent("e-1"))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = st.InsertEmailRecordIfAbsent(ctx, rec, sampleEvent("e-2"))
	require.NoError(t, err)
	assert.False(t, created)

	records, err := st.EmailRecordsForTicket(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "msg-1", records[0].MessageID)
	assert.Equal(t, []string{"support@example.com"}, records[0].To)
	require.Len(t, records[0].Attachments, 1)
	assert.Equal(t, "photo.jpg", records[0].Attachments[0].Filename)
}

func TestEmailRecordsChronologicalOrder(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	base := time.Now().Add(-3 * time.Hour)
	for i, id := range []string{"msg-c", "msg-a", "msg-b"} {
		offsets := []time.Duration{2 * time.Hour, 0, time.Hour}
		_, err := st.InsertEmailRecordIfAbsent(ctx, &EmailRecord{
			TicketID:  "t-1",
			MessageID: id,
			ThreadID:  "thread-1",
			SentAt:    base.Add(offsets[i]),
			OrgID:     "org-1",
		}, nil)
		require.NoError(t, err)
	}

	records, err := st.EmailRecordsForTicket(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "msg-a", records[0].MessageID)
	assert.Equal(t, "msg-b", records[1].MessageID)
	assert.Equal(t, "msg-c", records[2].MessageID)
}

func TestSyncStateRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	state, err := st.LoadSyncState(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "IDLE", state.Status)
	assert.Empty(t, state.Cursor)

	require.NoError(t, st.SaveSyncState(ctx, "owner-1", "cursor-abc", "IDLE"))

	state, err = st.LoadSyncState(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "cursor-abc", state.Cursor)
	assert.False(t, state.LastSyncedAt.IsZero())

	require.NoError(t, st.UpdateSyncStatus(ctx, "owner-1", "ERROR", "credential revoked"))

	state, err = st.LoadSyncState(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "ERROR", state.Status)
	assert.Equal(t, "credential revoked", state.LastError)
	// Status updates must not clobber the cursor.
	assert.Equal(t, "cursor-abc", state.Cursor)
}

func TestOutboxLifecycle(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	require.NoError(t, st.EnqueueEvent(ctx, sampleEvent("e-1")))
	require.NoError(t, st.EnqueueEvent(ctx, sampleEvent("e-2")))

	messages, err := st.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)

	require.NoError(t, st.MarkPublished(ctx, messages[0].ID))

	messages, err = st.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "e-2", messages[0].MsgID)

	// A retried message leaves the queue until its backoff elapses.
	require.NoError(t, st.MarkOutboxRetry(ctx, messages[0].ID, time.Minute))

	messages, err = st.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}
