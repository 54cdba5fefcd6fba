// Package importer turns mailbox threads into tickets with their email
// history. Import is idempotent: a thread maps to at most one ticket per
// org and a message to at most one record, enforced by the store's
// uniqueness keys.
package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/helpdeskd/mailsync-infra/internal/mailbox"
	"github.com/helpdeskd/mailsync-infra/internal/store"
)

// Profile identifies whose mailbox is being imported and which org the
// resulting tickets belong to.
type Profile struct {
	OwnerID string
	OrgID   string
}

// Outcome reports what one thread import actually did.
type Outcome struct {
	TicketID       string
	TicketCreated  bool
	RecordsCreated int
	RecordsSkipped int
	RecordsFailed  int
}

// Importer converts decoded threads into tickets and email records.
type Importer struct {
	store *store.Store
}

func New(st *store.Store) *Importer {
	return &Importer{store: st}
}

// ImportThread fetches one thread and persists it. The chronologically
// first message defines the ticket; every message becomes an email
// record. A message that fails to decode or persist is counted and
// skipped so one bad message never sinks the thread.
func (im *Importer) ImportThread(ctx context.Context, client mailbox.Client, threadID string, p Profile) (*Outcome, error) {
	existing, err := im.store.FindTicketByThreadID(ctx, p.OrgID, threadID)
	if err != nil {
		return nil, err
	}

	thread, err := client.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if len(thread.Messages) == 0 {
		return &Outcome{}, nil
	}

	outcome := &Outcome{}
	decoded := make([]*mailbox.DecodedMessage, 0, len(thread.Messages))
	for _, raw := range thread.Messages {
		msg, err := mailbox.Decode(raw)
		if err != nil {
			log.Printf("owner %s thread %s: failed to decode message: %v", p.OwnerID, threadID, err)
			outcome.RecordsFailed++
			continue
		}
		decoded = append(decoded, msg)
	}
	if len(decoded) == 0 {
		return outcome, nil
	}

	sort.SliceStable(decoded, func(i, j int) bool {
		return decoded[i].SentAt.Before(decoded[j].SentAt)
	})

	if existing != nil {
		outcome.TicketID = existing.ID
	} else {
		created, ticketID, err := im.createTicket(ctx, thread, decoded, p)
		if err != nil {
			return outcome, err
		}
		outcome.TicketID = ticketID
		outcome.TicketCreated = created
		if !created {
			// A concurrent import won the race; adopt its ticket.
			winner, err := im.store.FindTicketByThreadID(ctx, p.OrgID, threadID)
			if err != nil {
				return outcome, err
			}
			if winner == nil {
				return outcome, fmt.Errorf("thread %s: ticket insert conflicted but no row found", threadID)
			}
			outcome.TicketID = winner.ID
		}
	}

	for _, msg := range decoded {
		created, err := im.insertRecord(ctx, outcome.TicketID, msg, p, "email.imported")
		if err != nil {
			log.Printf("owner %s thread %s: failed to persist message %s: %v", p.OwnerID, threadID, msg.MessageID, err)
			outcome.RecordsFailed++
			continue
		}
		if created {
			outcome.RecordsCreated++
		} else {
			outcome.RecordsSkipped++
		}
	}

	return outcome, nil
}

func (im *Importer) createTicket(ctx context.Context, thread *mailbox.RawThread, decoded []*mailbox.DecodedMessage, p Profile) (bool, string, error) {
	first := decoded[0]

	attachmentCount := 0
	for _, msg := range decoded {
		attachmentCount += len(msg.Attachments)
	}

	subject := first.Subject
	if subject == "" {
		subject = "(no subject)"
	}

	ticket := &store.Ticket{
		ID:          uuid.NewString(),
		Subject:     subject,
		Description: first.Body(),
		Status:      "open",
		Priority:    "medium",
		CustomerID:  first.From,
		OrgID:       p.OrgID,
		ThreadID:    thread.ID,
		Metadata: map[string]interface{}{
			"thread_id":        thread.ID,
			"history_id":       thread.HistoryID,
			"owner_id":         p.OwnerID,
			"first_from":       first.From,
			"first_to":         first.To,
			"first_date":       first.SentAt.Format(time.RFC3339),
			"message_count":    len(decoded),
			"attachment_count": attachmentCount,
		},
		CreatedAt: time.Now(),
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"ticket_id": ticket.ID,
		"org_id":    p.OrgID,
		"thread_id": thread.ID,
		"subject":   ticket.Subject,
	})
	event := &store.Event{
		Subject: fmt.Sprintf("mailbox.%s.ticket.created", p.OrgID),
		Type:    "ticket.created",
		Payload: payload,
		MsgID:   "ticket." + p.OrgID + "." + thread.ID,
	}

	created, err := im.store.InsertTicketIfAbsent(ctx, ticket, event)
	if err != nil {
		return false, "", err
	}
	return created, ticket.ID, nil
}

func (im *Importer) insertRecord(ctx context.Context, ticketID string, msg *mailbox.DecodedMessage, p Profile, eventType string) (bool, error) {
	attachments := make([]store.AttachmentMeta, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		attachments = append(attachments, store.AttachmentMeta{
			Filename: a.Filename,
			MimeType: a.MimeType,
			Size:     a.Size,
		})
	}

	record := &store.EmailRecord{
		TicketID:    ticketID,
		MessageID:   msg.MessageID,
		ThreadID:    msg.ThreadID,
		From:        msg.From,
		To:          msg.To,
		Cc:          msg.Cc,
		Bcc:         msg.Bcc,
		Subject:     msg.Subject,
		Body:        msg.Body(),
		Attachments: attachments,
		SentAt:      msg.SentAt,
		OrgID:       p.OrgID,
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"ticket_id":  ticketID,
		"org_id":     p.OrgID,
		"message_id": msg.MessageID,
		"thread_id":  msg.ThreadID,
	})
	event := &store.Event{
		Subject: fmt.Sprintf("mailbox.%s.%s", p.OrgID, eventType),
		Type:    eventType,
		Payload: payload,
		MsgID:   eventType + "." + p.OrgID + "." + msg.MessageID,
	}

	return im.store.InsertEmailRecordIfAbsent(ctx, record, event)
}

// RecordSent persists an already-sent reply as an email record on its
// ticket. Used after a confirmed send so the ticket history includes the
// outbound message.
func (im *Importer) RecordSent(ctx context.Context, ticketID string, msg *mailbox.DecodedMessage, p Profile) (bool, error) {
	return im.insertRecord(ctx, ticketID, msg, p, "email.sent")
}
