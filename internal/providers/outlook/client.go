// Package outlook adapts Microsoft Graph mail to the provider-neutral
// mailbox client interface. Graph has no raw RFC 2822 surface, so this
// provider is ingest-only.
package outlook

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/helpdeskd/mailsync-infra/internal/auth"
	"github.com/helpdeskd/mailsync-infra/internal/mailbox"
)

var messageSelect = []string{
	"id", "conversationId", "subject", "from", "toRecipients", "ccRecipients",
	"bccRecipients", "bodyPreview", "body", "receivedDateTime", "hasAttachments",
}

// Client implements mailbox.Client for one owner's Outlook mailbox.
// Graph conversations map onto threads; the conversationId is the
// thread id.
type Client struct {
	tokens  *auth.TokenStore
	ownerID string
	userID  string
	retry   mailbox.RetryConfig
}

// New creates an Outlook client for the given owner. userID is the Graph
// user principal the mailbox belongs to.
func New(tokens *auth.TokenStore, ownerID, userID string) *Client {
	return &Client{
		tokens:  tokens,
		ownerID: ownerID,
		userID:  userID,
		retry:   mailbox.DefaultRetryConfig(),
	}
}

func (c *Client) graph(ctx context.Context) (*msgraphsdk.GraphServiceClient, error) {
	cred, err := c.tokens.GetValidCredential(ctx, c.ownerID)
	if err != nil {
		return nil, err
	}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(
		&staticTokenCredential{token: cred.AccessToken, expiry: cred.Expiry}, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return client, nil
}

// do applies the shared recovery policy: transient retry with backoff, one
// forced refresh on 401, revoked on a second 401.
func (c *Client) do(ctx context.Context, fn func(client *msgraphsdk.GraphServiceClient) error) error {
	refreshed := false
	return mailbox.Retry(ctx, c.retry, func() error {
		client, err := c.graph(ctx)
		if err != nil {
			return err
		}

		err = wrapGraphError(fn(client))
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

		client, err = c.graph(ctx)
		if err != nil {
			return err
		}
		err = wrapGraphError(fn(client))
		if mailbox.IsAuthError(err) {
			return fmt.Errorf("owner %s rejected after refresh: %w", c.ownerID, mailbox.ErrCredentialRevoked)
		}
		return err
	})
}

// ListThreads lists one page of messages and collapses them to distinct
// conversations. The cursor is Graph's opaque next-page link.
func (c *Client) ListThreads(ctx context.Context, cursor string, pageSize int64) (*mailbox.ThreadPage, error) {
	var page *mailbox.ThreadPage
	err := c.do(ctx, func(client *msgraphsdk.GraphServiceClient) error {
		var result models.MessageCollectionResponseable
		var err error

		if cursor != "" {
			builder := users.NewItemMessagesRequestBuilder(cursor, client.GetAdapter())
			result, err = builder.Get(ctx, nil)
		} else {
			cfg := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
				QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
					Top:    int32Ptr(int32(pageSize)),
					Select: []string{"id", "conversationId", "bodyPreview"},
				},
			}
			result, err = client.Users().ByUserId(c.userID).Messages().Get(ctx, cfg)
		}
		if err != nil {
			return err
		}

		page = &mailbox.ThreadPage{}
		if next := result.GetOdataNextLink(); next != nil {
			page.NextCursor = *next
		}

		seen := make(map[string]bool)
		for _, msg := range result.GetValue() {
			convID := deref(msg.GetConversationId())
			if convID == "" || seen[convID] {
				continue
			}
			seen[convID] = true
			page.Threads = append(page.Threads, mailbox.ThreadHandle{
				ThreadID: convID,
				Snippet:  deref(msg.GetBodyPreview()),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	return page, nil
}

// GetThread fetches every message in a conversation.
func (c *Client) GetThread(ctx context.Context, threadID string) (*mailbox.RawThread, error) {
	var thread *mailbox.RawThread
	err := c.do(ctx, func(client *msgraphsdk.GraphServiceClient) error {
		filter := fmt.Sprintf("conversationId eq '%s'", threadID)
		cfg := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
				Filter: &filter,
				Select: messageSelect,
			},
		}
		result, err := client.Users().ByUserId(c.userID).Messages().Get(ctx, cfg)
		if err != nil {
			return err
		}

		thread = &mailbox.RawThread{ID: threadID}
		for _, msg := range result.GetValue() {
			raw, err := c.synthesize(ctx, client, msg)
			if err != nil {
				return err
			}
			thread.Messages = append(thread.Messages, raw)
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
	err := c.do(ctx, func(client *msgraphsdk.GraphServiceClient) error {
		cfg := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
				Top:     int32Ptr(int32(max)),
				Select:  messageSelect,
				Orderby: []string{"receivedDateTime desc"},
			},
		}
		result, err := client.Users().ByUserId(c.userID).Messages().Get(ctx, cfg)
		if err != nil {
			return err
		}

		messages = messages[:0]
		for _, msg := range result.GetValue() {
			raw, err := c.synthesize(ctx, client, msg)
			if err != nil {
				return err
			}
			messages = append(messages, raw)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list recent messages: %w", err)
	}
	return messages, nil
}

// GetAttachment downloads one file attachment's content.
func (c *Client) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	var data []byte
	err := c.do(ctx, func(client *msgraphsdk.GraphServiceClient) error {
		att, err := client.Users().ByUserId(c.userID).Messages().ByMessageId(messageID).
			Attachments().ByAttachmentId(attachmentID).Get(ctx, nil)
		if err != nil {
			return err
		}

		file, ok := att.(models.FileAttachmentable)
		if !ok {
			return fmt.Errorf("attachment %s is not a file attachment", attachmentID)
		}
		data = file.GetContentBytes()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment %s: %w", attachmentID, err)
	}
	return data, nil
}

// SendRaw is not supported on Graph; callers route sends through a
// provider that accepts raw RFC 2822 payloads.
func (c *Client) SendRaw(ctx context.Context, raw string, threadID string) (string, error) {
	return "", fmt.Errorf("outlook provider: %w", mailbox.ErrSendNotSupported)
}

// synthesize builds the neutral raw message shape out of a Graph message:
// a multipart root holding the body part, plus one reference part per
// attachment.
func (c *Client) synthesize(ctx context.Context, client *msgraphsdk.GraphServiceClient, msg models.Messageable) (*mailbox.RawMessage, error) {
	root := &mailbox.MessagePart{
		MimeType: "multipart/mixed",
		Headers: []mailbox.Header{
			{Name: "Subject", Value: deref(msg.GetSubject())},
			{Name: "From", Value: senderAddress(msg)},
			{Name: "To", Value: joinRecipients(msg.GetToRecipients())},
			{Name: "Cc", Value: joinRecipients(msg.GetCcRecipients())},
			{Name: "Bcc", Value: joinRecipients(msg.GetBccRecipients())},
		},
	}

	if body := msg.GetBody(); body != nil {
		mimeType := "text/plain"
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			mimeType = "text/html"
		}
		root.Parts = append(root.Parts, &mailbox.MessagePart{
			MimeType: mimeType,
			Body: mailbox.PartBody{
				Data: base64.RawURLEncoding.EncodeToString([]byte(deref(body.GetContent()))),
			},
		})
	}

	msgID := deref(msg.GetId())
	if has := msg.GetHasAttachments(); has != nil && *has {
		parts, err := c.attachmentParts(ctx, client, msgID)
		if err != nil {
			return nil, err
		}
		root.Parts = append(root.Parts, parts...)
	}

	raw := &mailbox.RawMessage{
		ID:       msgID,
		ThreadID: deref(msg.GetConversationId()),
		Snippet:  deref(msg.GetBodyPreview()),
		Payload:  root,
	}
	if rcvd := msg.GetReceivedDateTime(); rcvd != nil {
		raw.InternalDate = rcvd.UnixMilli()
	}
	return raw, nil
}

func (c *Client) attachmentParts(ctx context.Context, client *msgraphsdk.GraphServiceClient, messageID string) ([]*mailbox.MessagePart, error) {
	cfg := &users.ItemMessagesItemAttachmentsRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesItemAttachmentsRequestBuilderGetQueryParameters{
			Select: []string{"id", "name", "contentType", "size"},
		},
	}
	result, err := client.Users().ByUserId(c.userID).Messages().ByMessageId(messageID).Attachments().Get(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var parts []*mailbox.MessagePart
	for _, att := range result.GetValue() {
		part := &mailbox.MessagePart{
			Filename: deref(att.GetName()),
			MimeType: deref(att.GetContentType()),
			Body: mailbox.PartBody{
				AttachmentID: deref(att.GetId()),
			},
		}
		if size := att.GetSize(); size != nil {
			part.Body.Size = int64(*size)
		}
		parts = append(parts, part)
	}
	return parts, nil
}

func senderAddress(msg models.Messageable) string {
	from := msg.GetFrom()
	if from == nil {
		return ""
	}
	addr := from.GetEmailAddress()
	if addr == nil {
		return ""
	}
	return deref(addr.GetAddress())
}

func joinRecipients(recipients []models.Recipientable) string {
	out := ""
	for _, r := range recipients {
		addr := r.GetEmailAddress()
		if addr == nil {
			continue
		}
		a := deref(addr.GetAddress())
		if a == "" {
			continue
		}
		if out != "" {
			out += ", "
		}
		out += a
	}
	return out
}

// wrapGraphError lifts OData errors into the shared taxonomy.
func wrapGraphError(err error) error {
	if err == nil {
		return nil
	}
	var oe *odataerrors.ODataError
	if errors.As(err, &oe) {
		detail := ""
		if main := oe.GetErrorEscaped(); main != nil {
			detail = deref(main.GetMessage())
		}
		return &mailbox.RequestError{StatusCode: oe.ResponseStatusCode, Detail: detail}
	}
	return err
}

// staticTokenCredential adapts an already-acquired access token to the
// Azure credential interface. Refresh stays with the token store.
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{Token: c.token, ExpiresOn: c.expiry}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func int32Ptr(i int32) *int32 {
	return &i
}
