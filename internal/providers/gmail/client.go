// Package gmail adapts the Gmail API to the provider-neutral mailbox
// client interface.
package gmail

import (
	"context"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/helpdeskd/mailsync-infra/internal/auth"
	"github.com/helpdeskd/mailsync-infra/internal/mailbox"
)

// Client implements mailbox.Client for one owner's Gmail account. The
// underlying service is rebuilt per call so every request carries a
// credential that was valid when the call started.
type Client struct {
	tokens  *auth.TokenStore
	ownerID string
	retry   mailbox.RetryConfig
	opts    []option.ClientOption
}

// New creates a Gmail client for the given owner. Extra client options are
// mainly for pointing the service at a test endpoint.
func New(tokens *auth.TokenStore, ownerID string, opts ...option.ClientOption) *Client {
	return &Client{
		tokens:  tokens,
		ownerID: ownerID,
		retry:   mailbox.DefaultRetryConfig(),
		opts:    opts,
	}
}

func (c *Client) service(ctx context.Context) (*gmailapi.Service, error) {
	cred, err := c.tokens.GetValidCredential(ctx, c.ownerID)
	if err != nil {
		return nil, err
	}

	src := oauth2.StaticTokenSource(cred.OAuthToken())
	opts := append([]option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, src))}, c.opts...)

	svc, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// do runs one API operation with the shared recovery policy: transient
// failures are retried with backoff, a 401 triggers exactly one forced
// token refresh and replay, and a second 401 means the grant itself is
// dead.
func (c *Client) do(ctx context.Context, fn func(svc *gmailapi.Service) error) error {
	refreshed := false
	return mailbox.Retry(ctx, c.retry, func() error {
		svc, err := c.service(ctx)
		if err != nil {
			return err
		}

		err = wrapAPIError(fn(svc))
		if !mailbox.IsAuthError(err) {
			return err
		}

		if refreshed {
			return fmt.Errorf("owner %s rejected after refresh: %w", c.ownerID, mailbox.ErrCredentialRevoked)
		}
		refreshed = true
		if _, rerr := c.tokens.Refresh(ctx, c.ownerID); rerr != nil {
			return rerr
		}

		svc, err = c.service(ctx)
		if err != nil {
			return err
		}
		err = wrapAPIError(fn(svc))
		if mailbox.IsAuthError(err) {
			return fmt.Errorf("owner %s rejected after refresh: %w", c.ownerID, mailbox.ErrCredentialRevoked)
		}
		return err
	})
}

// ListThreads returns one page of thread handles starting at cursor.
func (c *Client) ListThreads(ctx context.Context, cursor string, pageSize int64) (*mailbox.ThreadPage, error) {
	var page *mailbox.ThreadPage
	err := c.do(ctx, func(svc *gmailapi.Service) error {
		call := svc.Users.Threads.List("me").MaxResults(pageSize)
		if cursor != "" {
			call = call.PageToken(cursor)
		}
		resp, err := call.Context(ctx).Do()
		if err != nil {
			return err
		}

		page = &mailbox.ThreadPage{NextCursor: resp.NextPageToken}
		for _, t := range resp.Threads {
			page.Threads = append(page.Threads, mailbox.ThreadHandle{
				ThreadID: t.Id,
				Snippet:  t.Snippet,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	return page, nil
}

// GetThread fetches a full thread including message part trees.
func (c *Client) GetThread(ctx context.Context, threadID string) (*mailbox.RawThread, error) {
	var thread *mailbox.RawThread
	err := c.do(ctx, func(svc *gmailapi.Service) error {
		t, err := svc.Users.Threads.Get("me", threadID).Format("full").Context(ctx).Do()
		if err != nil {
			return err
		}

		thread = &mailbox.RawThread{
			ID:        t.Id,
			HistoryID: t.HistoryId,
		}
		for _, m := range t.Messages {
			thread.Messages = append(thread.Messages, convertMessage(m))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get thread %s: %w", threadID, err)
	}
	return thread, nil
}

// ListRecentMessages fetches the newest messages in full, newest first.
func (c *Client) ListRecentMessages(ctx context.Context, max int64) ([]*mailbox.RawMessage, error) {
	var messages []*mailbox.RawMessage
	err := c.do(ctx, func(svc *gmailapi.Service) error {
		resp, err := svc.Users.Messages.List("me").MaxResults(max).Context(ctx).Do()
		if err != nil {
			return err
		}

		messages = messages[:0]
		for _, ref := range resp.Messages {
			m, err := svc.Users.Messages.Get("me", ref.Id).Format("full").Context(ctx).Do()
			if err != nil {
				return err
			}
			messages = append(messages, convertMessage(m))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list recent messages: %w", err)
	}
	return messages, nil
}

// GetAttachment downloads and decodes one attachment body.
func (c *Client) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	var data []byte
	err := c.do(ctx, func(svc *gmailapi.Service) error {
		body, err := svc.Users.Messages.Attachments.Get("me", messageID, attachmentID).Context(ctx).Do()
		if err != nil {
			return err
		}

		data, err = decodeBase64URL(body.Data)
		if err != nil {
			return fmt.Errorf("failed to decode attachment data: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment %s: %w", attachmentID, err)
	}
	return data, nil
}

// SendRaw sends a base64url-encoded RFC 2822 message, threading it into
// threadID when given, and returns the provider's id for the sent message.
func (c *Client) SendRaw(ctx context.Context, raw string, threadID string) (string, error) {
	var sentID string
	err := c.do(ctx, func(svc *gmailapi.Service) error {
		msg := &gmailapi.Message{Raw: raw, ThreadId: threadID}
		sent, err := svc.Users.Messages.Send("me", msg).Context(ctx).Do()
		if err != nil {
			return err
		}
		sentID = sent.Id
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return sentID, nil
}

// convertMessage maps a Gmail message onto the neutral raw shape the
// decoder consumes.
func convertMessage(m *gmailapi.Message) *mailbox.RawMessage {
	return &mailbox.RawMessage{
		ID:           m.Id,
		ThreadID:     m.ThreadId,
		Snippet:      m.Snippet,
		InternalDate: m.InternalDate,
		Payload:      convertPart(m.Payload),
	}
}

func convertPart(p *gmailapi.MessagePart) *mailbox.MessagePart {
	if p == nil {
		return nil
	}

	part := &mailbox.MessagePart{
		PartID:   p.PartId,
		MimeType: p.MimeType,
		Filename: p.Filename,
	}
	for _, h := range p.Headers {
		part.Headers = append(part.Headers, mailbox.Header{Name: h.Name, Value: h.Value})
	}
	if p.Body != nil {
		part.Body = mailbox.PartBody{
			Data:         p.Body.Data,
			AttachmentID: p.Body.AttachmentId,
			Size:         p.Body.Size,
		}
	}
	for _, child := range p.Parts {
		part.Parts = append(part.Parts, convertPart(child))
	}
	return part
}

// wrapAPIError lifts googleapi errors into the shared taxonomy so the
// retry and auth policies can classify them.
func wrapAPIError(err error) error {
	if err == nil {
		return nil
	}
	if ge, ok := err.(*googleapi.Error); ok {
		return &mailbox.RequestError{StatusCode: ge.Code, Detail: ge.Message}
	}
	return err
}

func decodeBase64URL(data string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(data)
}
