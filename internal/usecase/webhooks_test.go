package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/workspace-sync/internal/domain"
)

type fakeWebhookRepo struct {
	cfgs  map[domain.Source]domain.WebhookConfig
	saved []domain.WebhookConfig
}

func newFakeWebhookRepo() *fakeWebhookRepo {
	return &fakeWebhookRepo{cfgs: map[domain.Source]domain.WebhookConfig{}}
}

func (r *fakeWebhookRepo) Get(_ domain.Context, src domain.Source) (domain.WebhookConfig, error) {
	cfg, ok := r.cfgs[src]
	if !ok {
		return domain.WebhookConfig{}, domain.ErrNotFound
	}
	return cfg, nil
}

func (r *fakeWebhookRepo) Save(_ domain.Context, cfg domain.WebhookConfig) error {
	r.cfgs[cfg.Source] = cfg
	r.saved = append(r.saved, cfg)
	return nil
}

type fakeTrackerWebhookAPI struct {
	created []string
	deleted []string
	next    int
	fail    bool
}

func (f *fakeTrackerWebhookAPI) CreateWebhook(_ context.Context, _, event string) (string, error) {
	if f.fail {
		return "", errors.New("403")
	}
	f.next++
	f.created = append(f.created, event)
	return fmt.Sprintf("tw-%d", f.next), nil
}

func (f *fakeTrackerWebhookAPI) DeleteWebhook(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeMailboxWebhookAPI struct {
	created []string
}

func (f *fakeMailboxWebhookAPI) CreateWebhook(_ context.Context, hookType, _ string) (string, error) {
	f.created = append(f.created, hookType)
	return "mb-" + hookType, nil
}

func (f *fakeMailboxWebhookAPI) DeleteWebhook(context.Context, string) error { return nil }

func TestWebhookManager_RegistersAllEvents(t *testing.T) {
	t.Parallel()
	repo := newFakeWebhookRepo()
	tw := &fakeTrackerWebhookAPI{}
	mb := &fakeMailboxWebhookAPI{}
	m := NewWebhookManager(repo, tw, mb, "https://sync.example.com/")

	require.NoError(t, m.Setup(context.Background()))

	assert.Equal(t, trackerEvents, tw.created)
	assert.Equal(t, mailboxEvents, mb.created)

	trackerCfg := repo.cfgs[domain.SourceTracker]
	assert.Equal(t, "https://sync.example.com/webhook/tracker", trackerCfg.WebhookURL)
	assert.Len(t, trackerCfg.WebhookIDs, len(trackerEvents))
	assert.True(t, trackerCfg.IsActive)
	require.NotNil(t, trackerCfg.LastVerifiedAt)
}

func TestWebhookManager_DeletesOldIDsFirst(t *testing.T) {
	t.Parallel()
	repo := newFakeWebhookRepo()
	repo.cfgs[domain.SourceTracker] = domain.WebhookConfig{
		Source:     domain.SourceTracker,
		WebhookIDs: []string{"stale-1", "stale-2"},
	}
	tw := &fakeTrackerWebhookAPI{}
	m := NewWebhookManager(repo, tw, nil, "https://sync.example.com")

	require.NoError(t, m.Setup(context.Background()))

	assert.Equal(t, []string{"stale-1", "stale-2"}, tw.deleted)
	assert.NotContains(t, repo.cfgs[domain.SourceTracker].WebhookIDs, "stale-1")
}

func TestWebhookManager_NoPublicURLSkips(t *testing.T) {
	t.Parallel()
	repo := newFakeWebhookRepo()
	tw := &fakeTrackerWebhookAPI{}
	m := NewWebhookManager(repo, tw, nil, "")

	require.NoError(t, m.Setup(context.Background()))
	assert.Empty(t, tw.created)
	assert.Empty(t, repo.saved)
}

func TestWebhookManager_AllCreatesFailingErrors(t *testing.T) {
	t.Parallel()
	m := NewWebhookManager(newFakeWebhookRepo(), &fakeTrackerWebhookAPI{fail: true}, nil, "https://sync.example.com")
	require.Error(t, m.Setup(context.Background()))
}
