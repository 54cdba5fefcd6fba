package mailbox

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"
)

// Decode normalizes a raw message into a DecodedMessage.
//
// The body policy is first-plain-text-part-wins: a depth-first walk of the
// part tree and the first text/plain part found supplies the plain-text
// body. A message whose only body is HTML decodes with an empty plain-text
// body; the HTML is still captured so callers can store it separately.
// Missing headers decode to empty strings rather than failing, and SentAt
// comes from the provider's internal timestamp, not the Date header.
func Decode(msg *RawMessage) (*DecodedMessage, error) {
	if msg == nil || msg.ID == "" {
		return nil, errors.New("decode: empty message")
	}

	decoded := &DecodedMessage{
		MessageID: msg.ID,
		ThreadID:  msg.ThreadID,
		Snippet:   msg.Snippet,
		SentAt:    time.UnixMilli(msg.InternalDate),
	}

	if msg.Payload == nil {
		return decoded, nil
	}

	decoded.Subject = headerValue(msg.Payload.Headers, "Subject")
	decoded.From = headerValue(msg.Payload.Headers, "From")
	decoded.To = splitAddrs(headerValue(msg.Payload.Headers, "To"))
	decoded.Cc = splitAddrs(headerValue(msg.Payload.Headers, "Cc"))
	decoded.Bcc = splitAddrs(headerValue(msg.Payload.Headers, "Bcc"))

	decoded.PlainText = extractBody(msg.Payload, "text/plain")
	decoded.HTML = extractBody(msg.Payload, "text/html")
	decoded.Attachments = collectAttachments(msg.Payload)

	return decoded, nil
}

// Body returns the best available body text for persistence: the plain
// text when present, otherwise the snippet.
func (m *DecodedMessage) Body() string {
	if m.PlainText != "" {
		return m.PlainText
	}
	return m.Snippet
}

func headerValue(headers []Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// extractBody walks the part tree depth-first and returns the decoded
// content of the first part matching mimeType. Recursion depth follows the
// tree, so nested multiparts of any depth are handled.
func extractBody(part *MessagePart, mimeType string) string {
	if part == nil {
		return ""
	}
	if part.MimeType == mimeType && part.Body.Data != "" {
		return decodeBase64URL(part.Body.Data)
	}
	for _, sub := range part.Parts {
		if body := extractBody(sub, mimeType); body != "" {
			return body
		}
	}
	return ""
}

// collectAttachments gathers every part carrying a filename and a content
// reference, at any nesting depth.
func collectAttachments(part *MessagePart) []Attachment {
	if part == nil {
		return nil
	}

	var attachments []Attachment
	if part.Filename != "" && part.Body.AttachmentID != "" {
		mimeType := part.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		attachments = append(attachments, Attachment{
			AttachmentID: part.Body.AttachmentID,
			Filename:     part.Filename,
			MimeType:     mimeType,
			Size:         part.Body.Size,
		})
	}
	for _, sub := range part.Parts {
		attachments = append(attachments, collectAttachments(sub)...)
	}
	return attachments
}

func decodeBase64URL(data string) string {
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		decoded, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return data
		}
	}
	return string(decoded)
}
