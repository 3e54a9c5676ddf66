package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/workspace-sync/internal/domain"
)

// WebhookConfigRepo persists registered webhook ids so that startup verifies
// or replaces existing registrations instead of piling up duplicates.
type WebhookConfigRepo struct {
	ex Executor
}

// NewWebhookConfigRepo constructs a WebhookConfigRepo.
func NewWebhookConfigRepo(ex Executor) *WebhookConfigRepo { return &WebhookConfigRepo{ex: ex} }

// Get loads the active webhook registration for a source, or
// domain.ErrNotFound when none was ever saved.
func (r *WebhookConfigRepo) Get(ctx domain.Context, source domain.Source) (domain.WebhookConfig, error) {
	tracer := otel.Tracer("repo.webhook_config")
	ctx, span := tracer.Start(ctx, "webhook_config.Get")
	defer span.End()
	span.SetAttributes(attribute.String("webhook.source", string(source)))
	var cfg domain.WebhookConfig
	err := r.ex.Execute(ctx, "webhook_config.get", func(tx pgx.Tx) error {
		q := `SELECT source, webhook_ids, webhook_url, is_active, last_verified_at, updated_at
		      FROM webhook_config WHERE source = $1`
		var src string
		var idsJSON []byte
		if err := tx.QueryRow(ctx, q, source).Scan(&src, &idsJSON, &cfg.WebhookURL, &cfg.IsActive, &cfg.LastVerifiedAt, &cfg.UpdatedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("webhook config %s: %w", source, domain.ErrNotFound)
			}
			return err
		}
		cfg.Source = domain.Source(src)
		if len(idsJSON) > 0 {
			if err := json.Unmarshal(idsJSON, &cfg.WebhookIDs); err != nil {
				return fmt.Errorf("webhook ids decode: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.WebhookConfig{}, err
	}
	return cfg, nil
}

// Save upserts the registration for a source.
func (r *WebhookConfigRepo) Save(ctx domain.Context, cfg domain.WebhookConfig) error {
	tracer := otel.Tracer("repo.webhook_config")
	ctx, span := tracer.Start(ctx, "webhook_config.Save")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.source", string(cfg.Source)),
		attribute.Int("webhook.id_count", len(cfg.WebhookIDs)),
	)
	idsJSON, err := json.Marshal(cfg.WebhookIDs)
	if err != nil {
		return fmt.Errorf("op=webhook_config.save: %w", err)
	}
	return r.ex.Execute(ctx, "webhook_config.save", func(tx pgx.Tx) error {
		q := `INSERT INTO webhook_config (source, webhook_ids, webhook_url, is_active, last_verified_at, updated_at)
		      VALUES ($1, $2, $3, $4, $5, now())
		      ON CONFLICT (source) DO UPDATE SET
		          webhook_ids = EXCLUDED.webhook_ids,
		          webhook_url = EXCLUDED.webhook_url,
		          is_active = EXCLUDED.is_active,
		          last_verified_at = EXCLUDED.last_verified_at,
		          updated_at = now()`
		_, err := tx.Exec(ctx, q, cfg.Source, idsJSON, cfg.WebhookURL, cfg.IsActive, cfg.LastVerifiedAt)
		return err
	})
}
