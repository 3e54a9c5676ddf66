package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/fairyhunter13/workspace-sync/internal/adapter/source/mailbox"
	"github.com/fairyhunter13/workspace-sync/internal/domain"
	"github.com/fairyhunter13/workspace-sync/pkg/textx"
)

// MailboxClient is the slice of the mailbox API the normalizer needs.
type MailboxClient interface {
	ConversationMessages(ctx context.Context, conversationID string) ([]mailbox.Message, error)
	DownloadAttachment(ctx context.Context, rawURL string) ([]byte, string, error)
}

// MailboxNormalizer fans a conversation out into one Email record per
// message. Queue items carry conversation ids, not message ids.
type MailboxNormalizer struct {
	client MailboxClient
	labels *LabelCategories
}

func NewMailboxNormalizer(client MailboxClient, labels *LabelCategories) *MailboxNormalizer {
	return &MailboxNormalizer{client: client, labels: labels}
}

// Process implements domain.Normalizer.
func (n *MailboxNormalizer) Process(ctx domain.Context, eventType, externalID string) (domain.NormalizeResult, error) {
	if isDeletionEvent(eventType) {
		return domain.DeleteResult(), nil
	}
	msgs, err := n.client.ConversationMessages(ctx, externalID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.DeleteResult(), nil
	}
	if err != nil {
		return domain.NormalizeResult{}, fmt.Errorf("op=normalize.mailbox: fetch %s: %w", externalID, err)
	}
	if len(msgs) == 0 {
		return domain.SkipResult(), nil
	}
	recs := make([]domain.Record, 0, len(msgs))
	for _, m := range msgs {
		recs = append(recs, n.mapMessage(ctx, externalID, m))
	}
	return domain.NormalizeResult{Records: recs}, nil
}

func (n *MailboxNormalizer) mapMessage(ctx domain.Context, threadID string, m mailbox.Message) domain.Email {
	e := domain.Email{
		EmailID:     m.ID,
		ThreadID:    threadID,
		Subject:     textx.SanitizeText(m.Subject),
		FromAddress: m.From.Address,
		FromName:    m.From.Name,
		InReplyTo:   m.InReplyTo,
		BodyHTML:    m.Body,
		Draft:       m.Draft,
		Raw:         m.Raw,
	}
	e.To, e.ToNames = splitContacts(m.To)
	e.Cc, e.CcNames = splitContacts(m.CC)
	e.Bcc, e.BccNames = splitContacts(m.BCC)

	// delivered_at doubles as both sent and received time; the mailbox API
	// exposes no separate receipt timestamp.
	if ts := mailbox.UnixToTime(m.DeliveredAt); !ts.IsZero() {
		e.SentAt = &ts
		e.ReceivedAt = &ts
	}

	// The preview is a truncated teaser; it only stands in when the
	// message carries no body at all.
	if e.BodyText = textx.HTMLToText(m.Body); e.BodyText == "" {
		e.BodyText = textx.SanitizeText(m.Preview)
	}

	for _, l := range m.Labels {
		e.Labels = append(e.Labels, l.Name)
	}
	if n.labels != nil {
		e.Categories = n.labels.Categorize(e.Labels)
	}

	for _, a := range m.Attachments {
		att := domain.Attachment{
			AttachmentID: a.ID,
			Filename:     a.Filename,
			ContentType:  a.ContentType,
			SizeBytes:    a.Size,
			URL:          a.URL,
		}
		// Some uploads arrive without a content type; sniff it from the
		// bytes, best effort.
		if att.ContentType == "" && att.URL != "" {
			if _, sniffed, err := n.client.DownloadAttachment(ctx, att.URL); err == nil {
				att.ContentType = sniffed
			}
		}
		e.Attachments = append(e.Attachments, att)
	}
	return e
}

func splitContacts(cs []mailbox.Contact) (addrs, names []string) {
	for _, c := range cs {
		addrs = append(addrs, c.Address)
		names = append(names, c.Name)
	}
	return addrs, names
}
