package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fairyhunter13/workspace-sync/internal/domain"
)

// trackerEvents are the tracker webhook subscriptions the pipeline needs.
var trackerEvents = []string{
	"task.created",
	"task.updated",
	"task.deleted",
	"task.completed",
}

// mailboxEvents are the mailbox hook types the pipeline needs.
var mailboxEvents = []string{
	"incoming_email",
	"new_comment",
}

// TrackerWebhookAPI is the registration slice of the tracker client.
type TrackerWebhookAPI interface {
	CreateWebhook(ctx context.Context, targetURL, event string) (string, error)
	DeleteWebhook(ctx context.Context, id string) error
}

// MailboxWebhookAPI is the registration slice of the mailbox client.
type MailboxWebhookAPI interface {
	CreateWebhook(ctx context.Context, hookType, targetURL string) (string, error)
	DeleteWebhook(ctx context.Context, id string) error
}

// WebhookManager registers webhook subscriptions at startup. The strategy
// is delete-then-create: old ids from the previous run are removed and a
// fresh set is registered, so a changed public URL never leaves stale
// subscriptions behind. Ids persist in the database, surviving restarts.
//
// Registration failure is not fatal; the backfill still converges, just
// with poll latency instead of webhook latency.
type WebhookManager struct {
	repo          domain.WebhookConfigRepository
	tracker       TrackerWebhookAPI
	mailbox       MailboxWebhookAPI
	publicBaseURL string
}

func NewWebhookManager(repo domain.WebhookConfigRepository, trackerAPI TrackerWebhookAPI, mailboxAPI MailboxWebhookAPI, publicBaseURL string) *WebhookManager {
	return &WebhookManager{
		repo:          repo,
		tracker:       trackerAPI,
		mailbox:       mailboxAPI,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

// Setup registers webhooks for every enabled source. Returns an error only
// when nothing could be registered at all.
func (m *WebhookManager) Setup(ctx context.Context) error {
	if m.publicBaseURL == "" {
		slog.Warn("no public base URL configured, skipping webhook registration")
		return nil
	}
	var errs []error
	if m.tracker != nil {
		if err := m.setupSource(ctx, domain.SourceTracker, trackerEvents, func(ctx context.Context, event, url string) (string, error) {
			return m.tracker.CreateWebhook(ctx, url, event)
		}, m.tracker.DeleteWebhook); err != nil {
			errs = append(errs, err)
		}
	}
	if m.mailbox != nil {
		if err := m.setupSource(ctx, domain.SourceMailbox, mailboxEvents, m.mailbox.CreateWebhook, m.mailbox.DeleteWebhook); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type createFn func(ctx context.Context, event, url string) (string, error)
type deleteFn func(ctx context.Context, id string) error

func (m *WebhookManager) setupSource(ctx context.Context, src domain.Source, events []string, create createFn, remove deleteFn) error {
	targetURL := m.publicBaseURL + "/webhook/" + string(src)
	log := slog.With(slog.String("source", string(src)), slog.String("url", targetURL))

	prev, err := m.repo.Get(ctx, src)
	switch {
	case err == nil:
		for _, id := range prev.WebhookIDs {
			if err := remove(ctx, id); err != nil {
				log.Warn("could not delete old webhook", slog.String("webhook_id", id), slog.Any("error", err))
			}
		}
	case errors.Is(err, domain.ErrNotFound):
		// first run, nothing to clean up
	default:
		return fmt.Errorf("op=webhooks.setup: load %s config: %w", src, err)
	}

	var ids []string
	for _, event := range events {
		id, err := create(ctx, event, targetURL)
		if err != nil {
			log.Warn("could not create webhook", slog.String("event", event), slog.Any("error", err))
			continue
		}
		log.Info("registered webhook", slog.String("event", event), slog.String("webhook_id", id))
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return fmt.Errorf("op=webhooks.setup: %s: no webhook could be registered", src)
	}

	now := time.Now().UTC()
	cfg := domain.WebhookConfig{
		Source:         src,
		WebhookIDs:     ids,
		WebhookURL:     targetURL,
		IsActive:       true,
		LastVerifiedAt: &now,
	}
	if err := m.repo.Save(ctx, cfg); err != nil {
		return fmt.Errorf("op=webhooks.setup: save %s config: %w", src, err)
	}
	return nil
}
