// Package compose builds raw RFC 2822 reply messages with the threading
// headers mail clients need to keep the conversation intact.
package compose

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"mime/quotedprintable"
	"strings"

	"github.com/google/uuid"
)

// Envelope describes one outbound reply. InReplyToMessageID and
// ReferenceMessageIDs carry RFC 2822 message ids, with or without angle
// brackets.
type Envelope struct {
	FromAddress         string
	ToAddresses         []string
	CcAddresses         []string
	BccAddresses        []string
	Subject             string
	HTMLBody            string
	InReplyToMessageID  string
	ReferenceMessageIDs []string
}

// AttachmentSource is an attachment fetched by reference at compose time.
// A failed fetch drops the attachment, never the message.
type AttachmentSource struct {
	Filename string
	MimeType string
	Fetch    func(ctx context.Context) ([]byte, error)
}

// MalformedEnvelopeError lists every required field the envelope is
// missing, so the caller can fix all of them at once.
type MalformedEnvelopeError struct {
	Missing []string
}

func (e *MalformedEnvelopeError) Error() string {
	return fmt.Sprintf("envelope missing required fields: %s", strings.Join(e.Missing, ", "))
}

// Compose builds the full multipart message and returns it base64url
// encoded without padding, ready for a raw-send API.
func Compose(ctx context.Context, env *Envelope, attachments []AttachmentSource) (string, error) {
	if err := validate(env); err != nil {
		return "", err
	}

	boundary := "mixed_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	var b strings.Builder

	b.WriteString(fmt.Sprintf("From: %s\r\n", env.FromAddress))
	b.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(env.ToAddresses, ", ")))
	if len(env.CcAddresses) > 0 {
		b.WriteString(fmt.Sprintf("Cc: %s\r\n", strings.Join(env.CcAddresses, ", ")))
	}
	if len(env.BccAddresses) > 0 {
		b.WriteString(fmt.Sprintf("Bcc: %s\r\n", strings.Join(env.BccAddresses, ", ")))
	}
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", env.Subject))

	if env.InReplyToMessageID != "" {
		b.WriteString(fmt.Sprintf("In-Reply-To: %s\r\n", normalizeMessageID(env.InReplyToMessageID)))
		refs := env.ReferenceMessageIDs
		if len(refs) == 0 {
			// A reply with no explicit chain still references its parent.
			refs = []string{env.InReplyToMessageID}
		}
		normalized := make([]string, len(refs))
		for i, id := range refs {
			normalized[i] = normalizeMessageID(id)
		}
		b.WriteString(fmt.Sprintf("References: %s\r\n", strings.Join(normalized, " ")))
	}

	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=\"%s\"\r\n", boundary))
	b.WriteString("\r\n")

	b.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
	b.WriteString("\r\n")
	// Quoted-printable keeps non-ASCII bodies within the 7bit transport
	// rules without bloating mostly-ASCII HTML the way base64 would.
	qp := quotedprintable.NewWriter(&b)
	if _, err := qp.Write([]byte(htmlShell(env.HTMLBody))); err != nil {
		return "", fmt.Errorf("failed to encode body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return "", fmt.Errorf("failed to encode body: %w", err)
	}
	b.WriteString("\r\n")

	for _, att := range attachments {
		data, err := att.Fetch(ctx)
		if err != nil {
			log.Printf("skipping attachment %s: fetch failed: %v", att.Filename, err)
			continue
		}

		mimeType := att.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}

		b.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		b.WriteString(fmt.Sprintf("Content-Type: %s; name=\"%s\"\r\n", mimeType, att.Filename))
		b.WriteString("Content-Transfer-Encoding: base64\r\n")
		b.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=\"%s\"\r\n", att.Filename))
		b.WriteString("\r\n")
		b.WriteString(wrapBase64(base64.StdEncoding.EncodeToString(data)))
		b.WriteString("\r\n")
	}

	b.WriteString(fmt.Sprintf("--%s--\r\n", boundary))

	return base64.RawURLEncoding.EncodeToString([]byte(b.String())), nil
}

func validate(env *Envelope) error {
	var missing []string
	if env.FromAddress == "" {
		missing = append(missing, "from address")
	}
	if len(env.ToAddresses) == 0 {
		missing = append(missing, "recipient addresses")
	}
	if env.Subject == "" {
		missing = append(missing, "subject")
	}
	if env.HTMLBody == "" {
		missing = append(missing, "body")
	}
	if len(missing) > 0 {
		return &MalformedEnvelopeError{Missing: missing}
	}
	return nil
}

// normalizeMessageID strips any existing angle brackets and re-wraps, so
// ids arrive bracketed exactly once no matter how the caller stored them.
func normalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return "<" + id + ">"
}

// htmlShell wraps the body fragment in a minimal document so clients that
// insist on a full document render it consistently.
func htmlShell(body string) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\r\n")
	b.WriteString("<html>\r\n<head><meta charset=\"UTF-8\"></head>\r\n")
	b.WriteString("<body style=\"font-family: Arial, sans-serif; font-size: 14px; color: #222;\">\r\n")
	b.WriteString(body)
	b.WriteString("\r\n</body>\r\n</html>")
	return b.String()
}

// wrapBase64 folds encoded attachment data at the 76-column MIME limit.
func wrapBase64(s string) string {
	var b strings.Builder
	for len(s) > 76 {
		b.WriteString(s[:76])
		b.WriteString("\r\n")
		s = s[76:]
	}
	b.WriteString(s)
	return b.String()
}
