// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package features

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/jeranaias/erimtech/internal/docstore"
	"github.com/jeranaias/erimtech/internal/model"
)

func TestMain(m *testing.M) {
	// opencensus (via firestore) starts a worker goroutine in its package init.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func newStore(t *testing.T) docstore.Store {
	t.Helper()
	s, err := docstore.OpenSQLite(filepath.Join(t.TempDir(), "features.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSeedAndList(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := New(store, zaptest.NewLogger(t))

	// An operator choice made before seeding survives it.
	require.NoError(t, store.Set(ctx, docstore.FeatureToggles, "chat", Toggle{Name: "AI Chat", Enabled: false}))
	require.NoError(t, svc.Seed(ctx))
	require.NoError(t, svc.Seed(ctx))

	toggles, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, toggles, len(model.Features))

	for i := 1; i < len(toggles); i++ {
		assert.LessOrEqual(t, toggles[i-1].Name, toggles[i].Name, "List is ordered by name")
	}
	for _, tg := range toggles {
		assert.Equal(t, tg.ID != "chat", tg.Enabled, tg.ID)
	}
}

func TestEnabled(t *testing.T) {
	ctx := context.Background()
	svc := New(newStore(t), nil)
	require.NoError(t, svc.Seed(ctx))

	on, err := svc.Enabled(ctx, model.FeatureImageAnalysis)
	require.NoError(t, err)
	assert.True(t, on)

	_, err = svc.Set(ctx, "image_analysis", false)
	require.NoError(t, err)
	on, _ = svc.Enabled(ctx, model.FeatureImageAnalysis)
	assert.False(t, on)

	on, _ = svc.Enabled(ctx, model.Feature("not_seeded"))
	assert.True(t, on, "missing toggles mean enabled")

	tg, err := svc.Flip(ctx, "image_analysis")
	require.NoError(t, err)
	assert.True(t, tg.Enabled)

	_, err = svc.Set(ctx, "nope", true)
	assert.ErrorIs(t, err, ErrUnknownToggle)
}

func TestWatchKeepsCacheFresh(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := newStore(t)

	svc := New(store, zaptest.NewLogger(t))
	require.NoError(t, svc.Seed(ctx))
	require.NoError(t, svc.Start(ctx))

	// A write from another process-level writer arrives through the feed.
	require.NoError(t, store.Update(ctx, docstore.FeatureToggles, "url_analysis", map[string]any{"enabled": false}))
	assert.Eventually(t, func() bool {
		on, _ := svc.Enabled(ctx, model.FeatureURLAnalysis)
		return !on
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, store.Delete(ctx, docstore.FeatureToggles, "url_analysis"))
	assert.Eventually(t, func() bool {
		on, _ := svc.Enabled(ctx, model.FeatureURLAnalysis)
		return on
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-svc.Done():
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
