// Package sync coordinates mailbox imports and replies per owner. At most
// one import runs per owner at a time; cursors persist between batches so
// a poll resumes where the previous one stopped.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/helpdeskd/mailsync-infra/internal/compose"
	"github.com/helpdeskd/mailsync-infra/internal/importer"
	"github.com/helpdeskd/mailsync-infra/internal/mailbox"
	"github.com/helpdeskd/mailsync-infra/internal/store"
)

// EventSink is where outbox events end up. Satisfied by events.Publisher.
type EventSink interface {
	Publish(subject string, payload []byte, msgID string) error
}

// ClientFactory builds the mailbox client for one owner.
type ClientFactory func(ownerID string) (mailbox.Client, error)

// BatchResult summarizes one import batch.
type BatchResult struct {
	TicketsCreated int
	RecordsCreated int
	RecordsSkipped int
	ThreadsFailed  int
	NextCursor     string
}

// Orchestrator runs imports and sends replies for all owners.
type Orchestrator struct {
	store    *store.Store
	importer *importer.Importer
	clients  ClientFactory
	pageSize int64

	locks   map[string]*sync.Mutex
	locksMu sync.Mutex
}

func NewOrchestrator(st *store.Store, im *importer.Importer, clients ClientFactory) *Orchestrator {
	return &Orchestrator{
		store:    st,
		importer: im,
		clients:  clients,
		pageSize: 25,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) ownerLock(ownerID string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	mu, ok := o.locks[ownerID]
	if !ok {
		mu = &sync.Mutex{}
		o.locks[ownerID] = mu
	}
	return mu
}

// ImportBatch imports up to maxThreads threads for the owner, resuming
// from the given cursor or, when it is empty, from the owner's persisted
// cursor. Only a revoked credential aborts the batch; a thread that fails
// for any other reason is counted and skipped.
func (o *Orchestrator) ImportBatch(ctx context.Context, p importer.Profile, cursor string, maxThreads int) (*BatchResult, error) {
	mu := o.ownerLock(p.OwnerID)
	mu.Lock()
	defer mu.Unlock()

	if cursor == "" {
		state, err := o.store.LoadSyncState(ctx, p.OwnerID)
		if err != nil {
			return nil, err
		}
		cursor = state.Cursor
	}

	client, err := o.clients(p.OwnerID)
	if err != nil {
		return nil, err
	}

	if err := o.store.SaveSyncState(ctx, p.OwnerID, cursor, "SYNCING"); err != nil {
		log.Printf("failed to mark owner %s syncing: %v", p.OwnerID, err)
	}

	// Pages never exceed the batch budget: a page larger than maxThreads
	// would strand its unconsumed tail behind an already-advanced cursor.
	pageSize := o.pageSize
	if int64(maxThreads) < pageSize {
		pageSize = int64(maxThreads)
	}

	result := &BatchResult{}
	pager := NewThreadPager(client, cursor, pageSize)

	for processed := 0; processed < maxThreads; processed++ {
		handle, err := pager.Next(ctx)
		if err != nil {
			return o.finishBatch(ctx, p.OwnerID, result, pager.Cursor(), err)
		}
		if handle == nil {
			break
		}

		outcome, err := o.importer.ImportThread(ctx, client, handle.ThreadID, p)
		if err != nil {
			if errors.Is(err, mailbox.ErrCredentialRevoked) {
				return o.finishBatch(ctx, p.OwnerID, result, pager.Cursor(), err)
			}
			log.Printf("owner %s: thread %s import failed: %v", p.OwnerID, handle.ThreadID, err)
			result.ThreadsFailed++
			continue
		}
		accumulate(result, outcome)
	}

	return o.finishBatch(ctx, p.OwnerID, result, pager.Cursor(), nil)
}

func (o *Orchestrator) finishBatch(ctx context.Context, ownerID string, result *BatchResult, cursor string, cause error) (*BatchResult, error) {
	result.NextCursor = cursor

	if cause != nil {
		if err := o.store.UpdateSyncStatus(ctx, ownerID, "ERROR", cause.Error()); err != nil {
			log.Printf("failed to record sync error for owner %s: %v", ownerID, err)
		}
		return result, cause
	}

	if err := o.store.SaveSyncState(ctx, ownerID, cursor, "IDLE"); err != nil {
		log.Printf("failed to save sync state for owner %s: %v", ownerID, err)
	}
	return result, nil
}

// ImportRecent imports the threads behind the owner's newest count
// messages, the backfill used right after a mailbox is first connected.
func (o *Orchestrator) ImportRecent(ctx context.Context, p importer.Profile, count int64) (*BatchResult, error) {
	mu := o.ownerLock(p.OwnerID)
	mu.Lock()
	defer mu.Unlock()

	client, err := o.clients(p.OwnerID)
	if err != nil {
		return nil, err
	}

	messages, err := client.ListRecentMessages(ctx, count)
	if err != nil {
		if errors.Is(err, mailbox.ErrCredentialRevoked) {
			_ = o.store.UpdateSyncStatus(ctx, p.OwnerID, "ERROR", err.Error())
		}
		return nil, err
	}

	result := &BatchResult{}
	seen := make(map[string]bool)
	for _, msg := range messages {
		if msg.ThreadID == "" || seen[msg.ThreadID] {
			continue
		}
		seen[msg.ThreadID] = true

		outcome, err := o.importer.ImportThread(ctx, client, msg.ThreadID, p)
		if err != nil {
			if errors.Is(err, mailbox.ErrCredentialRevoked) {
				_ = o.store.UpdateSyncStatus(ctx, p.OwnerID, "ERROR", err.Error())
				return result, err
			}
			log.Printf("owner %s: thread %s import failed: %v", p.OwnerID, msg.ThreadID, err)
			result.ThreadsFailed++
			continue
		}
		accumulate(result, outcome)
	}

	return result, nil
}

// SendReply composes and sends a reply on a ticket's thread, then records
// it. The send happens first: a reply is only persisted once the provider
// has confirmed it, so the ticket history never shows a phantom send.
func (o *Orchestrator) SendReply(ctx context.Context, p importer.Profile, ticketID string, env *compose.Envelope, attachments []compose.AttachmentSource) (string, error) {
	ticket, err := o.store.TicketByID(ctx, ticketID)
	if err != nil {
		return "", err
	}
	if ticket == nil {
		return "", fmt.Errorf("ticket %s not found", ticketID)
	}
	if ticket.OrgID != p.OrgID {
		return "", fmt.Errorf("ticket %s not found", ticketID)
	}

	raw, err := compose.Compose(ctx, env, attachments)
	if err != nil {
		return "", err
	}

	client, err := o.clients(p.OwnerID)
	if err != nil {
		return "", err
	}

	sentID, err := client.SendRaw(ctx, raw, ticket.ThreadID)
	if err != nil {
		return "", err
	}

	sent := &mailbox.DecodedMessage{
		MessageID: sentID,
		ThreadID:  ticket.ThreadID,
		From:      env.FromAddress,
		To:        env.ToAddresses,
		Cc:        env.CcAddresses,
		Bcc:       env.BccAddresses,
		Subject:   env.Subject,
		SentAt:    time.Now(),
		HTML:      env.HTMLBody,
		PlainText: env.HTMLBody,
	}
	if _, err := o.importer.RecordSent(ctx, ticket.ID, sent, p); err != nil {
		// The message is out; surface the bookkeeping failure without
		// pretending the send failed.
		return sentID, fmt.Errorf("reply sent as %s but recording it failed: %w", sentID, err)
	}

	return sentID, nil
}

// RunDispatcher drains the outbox to the event sink until ctx is done.
func (o *Orchestrator) RunDispatcher(ctx context.Context, sink EventSink) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := o.store.DequeueOutbox(ctx, 100)
		if err != nil {
			log.Printf("failed to dequeue outbox: %v", err)
			time.Sleep(time.Second)
			continue
		}

		if len(messages) == 0 {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, msg := range messages {
			if err := sink.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				log.Printf("failed to publish outbox message %d: %v", msg.ID, err)
				_ = o.store.MarkOutboxRetry(ctx, msg.ID, 10*time.Second)
				continue
			}
			if err := o.store.MarkPublished(ctx, msg.ID); err != nil {
				log.Printf("failed to mark outbox message %d published: %v", msg.ID, err)
			}
		}
	}
}

func accumulate(result *BatchResult, outcome *importer.Outcome) {
	if outcome.TicketCreated {
		result.TicketsCreated++
	}
	result.RecordsCreated += outcome.RecordsCreated
	result.RecordsSkipped += outcome.RecordsSkipped
}
