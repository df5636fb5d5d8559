package hooks

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) HookManager {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewHookManager(client)
}

func TestRegisterHook_AssignsIDAndDefaults(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	hook := &Hook{
		Name:   "notify-erp",
		URL:    "https://erp.example.com/hooks/run",
		Type:   PostRun,
		Active: true,
	}
	require.NoError(t, m.RegisterHook(ctx, hook))

	assert.Contains(t, hook.ID, "hook_")
	assert.Equal(t, 30, hook.Timeout)
	assert.False(t, hook.CreatedAt.IsZero())

	stored, err := m.GetHook(ctx, hook.ID)
	require.NoError(t, err)
	assert.Equal(t, "notify-erp", stored.Name)
	assert.Equal(t, PostRun, stored.Type)
}

func TestRegisterHook_RejectsInvalid(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	err := m.RegisterHook(ctx, &Hook{Name: "no-url", Type: PreRun})
	assert.ErrorContains(t, err, "hook URL is required")

	err = m.RegisterHook(ctx, &Hook{Name: "bad-type", URL: "https://x.test", Type: "ON_MATCH"})
	assert.ErrorContains(t, err, "invalid hook type")
}

func TestListHooks_FiltersByType(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	pre := &Hook{Name: "pre", URL: "https://x.test/pre", Type: PreRun, Active: true}
	post := &Hook{Name: "post", URL: "https://x.test/post", Type: PostRun, Active: true}
	require.NoError(t, m.RegisterHook(ctx, pre))
	require.NoError(t, m.RegisterHook(ctx, post))

	preHooks, err := m.ListHooks(ctx, PreRun)
	require.NoError(t, err)
	require.Len(t, preHooks, 1)
	assert.Equal(t, "pre", preHooks[0].Name)

	postHooks, err := m.ListHooks(ctx, PostRun)
	require.NoError(t, err)
	require.Len(t, postHooks, 1)
	assert.Equal(t, "post", postHooks[0].Name)
}

func TestUpdateHook_MovesBetweenTypeSets(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	hook := &Hook{Name: "movable", URL: "https://x.test", Type: PreRun, Active: true}
	require.NoError(t, m.RegisterHook(ctx, hook))

	updated := &Hook{Name: "movable", URL: "https://x.test", Type: PostRun, Active: true, Timeout: 10}
	require.NoError(t, m.UpdateHook(ctx, hook.ID, updated))

	preHooks, err := m.ListHooks(ctx, PreRun)
	require.NoError(t, err)
	assert.Empty(t, preHooks)

	postHooks, err := m.ListHooks(ctx, PostRun)
	require.NoError(t, err)
	require.Len(t, postHooks, 1)
	assert.Equal(t, hook.ID, postHooks[0].ID)
}

func TestDeleteHook_RemovesRegistryAndTypeSet(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	hook := &Hook{Name: "doomed", URL: "https://x.test", Type: PreRun, Active: true}
	require.NoError(t, m.RegisterHook(ctx, hook))
	require.NoError(t, m.DeleteHook(ctx, hook.ID))

	_, err := m.GetHook(ctx, hook.ID)
	assert.ErrorContains(t, err, "hook not found")

	preHooks, err := m.ListHooks(ctx, PreRun)
	require.NoError(t, err)
	assert.Empty(t, preHooks)
}

func TestExecutePreHooks_SkipsInactive(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	hook := &Hook{Name: "inactive", URL: "https://x.test", Type: PreRun, Active: false}
	require.NoError(t, m.RegisterHook(ctx, hook))

	// Inactive hooks never fire, so no HTTP call happens and no error returns.
	assert.NoError(t, m.ExecutePreHooks(ctx, "run_1", nil))
}
