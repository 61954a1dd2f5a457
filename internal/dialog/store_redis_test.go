package dialog

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tg-gpt-bot-go/pkg/logger"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(mr.Addr(), "", 0, ttl, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore_VersionedUpdates(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t, time.Minute)
	key := Key{UserID: 1, ChatID: 2}

	st := &State{Key: key, FlowID: "a", Flow: FlowText, Screen: ScreenMainMenu, MessageID: 101, Deadline: time.Now().Add(time.Minute)}
	require.NoError(t, s.Create(ctx, st))
	assert.EqualValues(t, 1, st.Version)

	stale := *st
	st.Screen = ScreenTextModelMenu
	require.NoError(t, s.Update(ctx, st))
	assert.EqualValues(t, 2, st.Version)

	stale.Screen = ScreenModelPick
	assert.ErrorIs(t, s.Update(ctx, &stale), ErrStale)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ScreenTextModelMenu, got.Screen)
	assert.EqualValues(t, 2, got.Version)
	assert.Equal(t, 101, got.MessageID)
}

func TestRedisStore_ReplacedFlowIsStale(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t, time.Minute)
	key := Key{UserID: 1, ChatID: 2}
	deadline := time.Now().Add(time.Minute)

	old := &State{Key: key, FlowID: "a", Deadline: deadline}
	require.NoError(t, s.Create(ctx, old))
	require.NoError(t, s.Create(ctx, &State{Key: key, FlowID: "b", Deadline: deadline}))

	assert.ErrorIs(t, s.Update(ctx, old), ErrStale)
	deleted, err := s.Delete(ctx, key, "a")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = s.Delete(ctx, key, "b")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, mr.Exists(stateKey(key)))
	assert.False(t, mr.Exists(deadlineSet), "the deadline index is emptied")

	assert.ErrorIs(t, s.Update(ctx, old), ErrStale, "a removed flow cannot be written")
}

func TestRedisStore_ExpireDue(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t, time.Hour)
	now := time.Now()

	require.NoError(t, s.Create(ctx, &State{Key: Key{UserID: 1}, FlowID: "a", Deadline: now.Add(-time.Second)}))
	require.NoError(t, s.Create(ctx, &State{Key: Key{UserID: 2}, FlowID: "b", Deadline: now}))
	require.NoError(t, s.Create(ctx, &State{Key: Key{UserID: 3}, FlowID: "c", Deadline: now.Add(time.Minute)}))
	_, err := mr.ZAdd(deadlineSet, 0, "not-a-key")
	require.NoError(t, err)

	due, err := s.ExpireDue(ctx, now)
	require.NoError(t, err)
	flows := []string{}
	for _, st := range due {
		flows = append(flows, st.FlowID)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, flows)

	live, err := s.Get(ctx, Key{UserID: 3})
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, "c", live.FlowID)

	members, err := mr.ZMembers(deadlineSet)
	require.NoError(t, err)
	assert.Equal(t, []string{member(Key{UserID: 3})}, members)

	due, err = s.ExpireDue(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRedisStore_ExtendedDeadlineSurvivesExpiry(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t, time.Hour)
	now := time.Now()
	key := Key{UserID: 4, ChatID: 5}

	st := &State{Key: key, FlowID: "a", Deadline: now.Add(time.Second)}
	require.NoError(t, s.Create(ctx, st))
	st.Deadline = now.Add(time.Hour)
	require.NoError(t, s.Update(ctx, st))

	due, err := s.ExpireDue(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestRedisStore_TTLBackstop(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t, time.Minute)
	key := Key{UserID: 6, ChatID: 7}

	require.NoError(t, s.Create(ctx, &State{Key: key, FlowID: "a", Deadline: time.Now().Add(time.Minute)}))
	ttl := mr.TTL(stateKey(key))
	assert.Greater(t, ttl, time.Minute)
	assert.LessOrEqual(t, ttl, 2*time.Minute)

	mr.FastForward(3 * time.Minute)
	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	// The orphaned index entry is swept without reporting a timeout
	due, err := s.ExpireDue(ctx, time.Now().Add(3*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due)
	assert.False(t, mr.Exists(deadlineSet))
}
