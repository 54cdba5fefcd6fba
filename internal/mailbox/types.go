// Package mailbox defines the provider-neutral contract between the sync
// engine and an external mailbox: thread/message types, the Client
// interface implemented per provider, and the message decoder.
package mailbox

import (
	"context"
	"time"
)

// ThreadHandle identifies one conversation returned by a listing call.
type ThreadHandle struct {
	ThreadID string
	Snippet  string
}

// ThreadPage is one page of thread handles. An empty NextCursor means the
// listing is exhausted.
type ThreadPage struct {
	Threads    []ThreadHandle
	NextCursor string
}

// Header is a single MIME header as reported by the provider.
type Header struct {
	Name  string
	Value string
}

// PartBody carries the content of a single MIME part. Data is base64url
// encoded; large parts carry an AttachmentID instead and are fetched
// separately.
type PartBody struct {
	Data         string
	AttachmentID string
	Size         int64
}

// MessagePart is one node of a message's MIME part tree. Parts nest
// arbitrarily deep (message/rfc822 attachments contain whole trees).
type MessagePart struct {
	PartID   string
	MimeType string
	Filename string
	Headers  []Header
	Body     PartBody
	Parts    []*MessagePart
}

// RawMessage is a full message as fetched from the provider, before
// decoding. InternalDate is the provider's receive timestamp in epoch
// milliseconds and is preferred over the Date header.
type RawMessage struct {
	ID           string
	ThreadID     string
	Snippet      string
	InternalDate int64
	Payload      *MessagePart
}

// RawThread is a full conversation: every message with its part tree.
type RawThread struct {
	ID        string
	HistoryID uint64
	Messages  []*RawMessage
}

// Attachment is the metadata of one attachment found while decoding.
// Bytes are fetched lazily through Client.GetAttachment.
type Attachment struct {
	AttachmentID string
	Filename     string
	MimeType     string
	Size         int64
}

// DecodedMessage is the normalized form of a RawMessage. Immutable once
// produced.
type DecodedMessage struct {
	MessageID   string
	ThreadID    string
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	SentAt      time.Time
	Snippet     string
	PlainText   string
	HTML        string
	Attachments []Attachment
}

// Client is the thin protocol client for one mailbox owner. Every call
// requires valid credentials; implementations handle one token refresh and
// retry on an authorization error, and bounded backoff on transient
// failures, before surfacing anything to the caller.
type Client interface {
	// ListThreads returns one page of thread handles, newest first.
	ListThreads(ctx context.Context, cursor string, pageSize int64) (*ThreadPage, error)

	// GetThread fetches the full conversation with all part trees.
	GetThread(ctx context.Context, threadID string) (*RawThread, error)

	// ListRecentMessages fetches the most recent max full messages
	// directly, bypassing thread listing. Used for initial backfill.
	ListRecentMessages(ctx context.Context, max int64) ([]*RawMessage, error)

	// GetAttachment fetches the bytes of one attachment.
	GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)

	// SendRaw submits a base64url-encoded RFC 822 message. A non-empty
	// threadID asks the provider to append to that conversation. Returns
	// the provider-assigned id of the sent message.
	SendRaw(ctx context.Context, raw string, threadID string) (string, error)
}
