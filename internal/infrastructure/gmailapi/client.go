// Package gmailapi implements the mail search collaborator on the Gmail
// REST API.
package gmailapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"MailRouter/internal/domain"
	"MailRouter/internal/ports"
)

// Client searches threads in the authenticated user's mailbox.
type Client struct {
	svc    *gmail.Service
	logger *slog.Logger
}

var _ ports.MailSearcher = (*Client)(nil)

// NewClient builds a Gmail client on an authenticated HTTP client.
func NewClient(ctx context.Context, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{svc: svc, logger: logger}, nil
}

// Search lists threads matching query and hydrates each with its full
// messages. The result is capped at limit threads after skipping offset.
func (c *Client) Search(ctx context.Context, query string, offset, limit int64) ([]domain.Thread, error) {
	res, err := c.svc.Users.Threads.List("me").
		Q(query).
		MaxResults(offset + limit).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}

	refs := res.Threads
	if int64(len(refs)) > offset {
		refs = refs[offset:]
	} else {
		refs = nil
	}
	if int64(len(refs)) > limit {
		refs = refs[:limit]
	}

	threads := make([]domain.Thread, 0, len(refs))
	for _, ref := range refs {
		full, err := c.svc.Users.Threads.Get("me", ref.Id).
			Format("full").
			Context(ctx).
			Do()
		if err != nil {
			return nil, fmt.Errorf("get thread %s: %w", ref.Id, err)
		}
		threads = append(threads, threadFromAPI(full))
	}

	c.logger.Debug("gmail search", "query", query, "threads", len(threads))
	return threads, nil
}

// threadFromAPI converts an API thread into the domain shape. Gmail returns
// messages oldest first, which is the order the domain expects.
func threadFromAPI(t *gmail.Thread) domain.Thread {
	out := domain.Thread{ID: t.Id}
	for _, m := range t.Messages {
		if m.InternalDate > out.LastUpdateMs {
			out.LastUpdateMs = m.InternalDate
		}
		out.Messages = append(out.Messages, messageFromAPI(m))
	}
	return out
}

func messageFromAPI(m *gmail.Message) domain.Message {
	msg := domain.Message{ID: m.Id}

	if m.Payload == nil {
		return msg
	}

	for _, h := range m.Payload.Headers {
		switch h.Name {
		case "Subject":
			msg.Subject = h.Value
		case "From":
			msg.From = h.Value
		}
	}

	textBody, htmlBody := extractBodies(m.Payload)
	if textBody != "" {
		msg.Body = textBody
	} else if htmlBody != "" {
		msg.Body = htmlToText(htmlBody)
	}

	msg.HasAttachment = hasAttachment(m.Payload)
	return msg
}

// extractBodies walks the MIME tree and returns the first text/plain and
// text/html bodies found, decoded.
func extractBodies(payload *gmail.MessagePart) (textBody, htmlBody string) {
	textBody, htmlBody = bodyFromPart(payload)

	for _, part := range payload.Parts {
		partText, partHTML := bodyFromPart(part)
		if textBody == "" {
			textBody = partText
		}
		if htmlBody == "" {
			htmlBody = partHTML
		}

		if len(part.Parts) > 0 {
			nestedText, nestedHTML := extractBodies(part)
			if textBody == "" {
				textBody = nestedText
			}
			if htmlBody == "" {
				htmlBody = nestedHTML
			}
		}
	}

	return textBody, htmlBody
}

func bodyFromPart(part *gmail.MessagePart) (textBody, htmlBody string) {
	if part.Body == nil || part.Body.Data == "" {
		return "", ""
	}

	switch part.MimeType {
	case "text/plain":
		return decodeBase64URL(part.Body.Data), ""
	case "text/html":
		return "", decodeBase64URL(part.Body.Data)
	default:
		return "", ""
	}
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

func hasAttachment(payload *gmail.MessagePart) bool {
	if payload.Body != nil && payload.Body.AttachmentId != "" && payload.Filename != "" {
		return true
	}
	for _, part := range payload.Parts {
		if part.Body != nil && part.Body.AttachmentId != "" && part.Filename != "" {
			return true
		}
		if len(part.Parts) > 0 && hasAttachment(part) {
			return true
		}
	}
	return false
}

var collapseWhitespace = regexp.MustCompile(`[ \t]+`)

// htmlToText strips markup from an HTML body, keeping line structure so the
// forwarded-field labels stay at line starts.
func htmlToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}

	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("style,script").Remove()

	var sb strings.Builder
	sel := doc.Find("body")
	if sel.Length() == 0 {
		sel = doc.Selection
	}
	blocks := sel.Find("p,div,li,tr,h1,h2,h3,h4,h5,h6")
	if blocks.Length() == 0 {
		sb.WriteString(sel.Text())
	} else {
		blocks.Each(func(_ int, s *goquery.Selection) {
			if s.Children().Filter("p,div,li,tr,h1,h2,h3,h4,h5,h6").Length() > 0 {
				return
			}
			sb.WriteString(s.Text())
			sb.WriteString("\n")
		})
	}

	lines := strings.Split(sb.String(), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(collapseWhitespace.ReplaceAllString(line, " "))
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
