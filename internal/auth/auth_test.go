package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdev/ads/internal/common/config"
	"github.com/agentdev/ads/internal/common/errkind"
	"github.com/agentdev/ads/internal/common/logger"
	"github.com/agentdev/ads/internal/db"
)

func newTestService(t *testing.T, cfg config.AuthConfig) (*Service, *Store) {
	t.Helper()
	sqlDB, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	store, err := NewStore(sqlDB, "sqlite3")
	require.NoError(t, err)
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 3600
	}
	return NewService(store, cfg, logger.Default()), store
}

func TestPasswordHashRoundTrip(t *testing.T) {
	h, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(h, "scrypt$"))
	assert.True(t, VerifyPassword("correct horse", h))
	assert.False(t, VerifyPassword("wrong horse", h))
	assert.False(t, VerifyPassword("correct horse", "garbage"))

	h2, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, h, h2, "salts must differ")
}

func TestLoginReturnsTokenAndStoresOnlyHash(t *testing.T) {
	svc, store := newTestService(t, config.AuthConfig{TokenPepper: "pep"})
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "alice", "s3cret")
	require.NoError(t, err)

	u, token, err := svc.Login(ctx, "alice", "s3cret", "127.0.0.1", "test")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.NotEmpty(t, token)

	// The raw token must not appear anywhere in the session table.
	_, err = store.SessionByTokenHash(ctx, token)
	assert.ErrorIs(t, err, errkind.ErrAuth)

	got, _, err := svc.ValidateToken(ctx, token, "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc, _ := newTestService(t, config.AuthConfig{})
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "alice", "s3cret")
	require.NoError(t, err)

	_, _, err = svc.Login(ctx, "alice", "nope", "", "")
	assert.ErrorIs(t, err, errkind.ErrAuth)
	_, _, err = svc.Login(ctx, "nobody", "s3cret", "", "")
	assert.ErrorIs(t, err, errkind.ErrAuth)
}

func TestValidateTokenExpiryIsStrict(t *testing.T) {
	svc, _ := newTestService(t, config.AuthConfig{SessionTTL: 60})
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "alice", "pw")
	require.NoError(t, err)
	_, token, err := svc.Login(ctx, "alice", "pw", "", "")
	require.NoError(t, err)

	// One millisecond past expiry fails.
	svc.now = func() time.Time { return time.Now().Add(60 * time.Second) }
	_, _, err = svc.ValidateToken(ctx, token, "")
	assert.ErrorIs(t, err, errkind.ErrAuth)
}

func TestSlidingRefreshExtendsOnlyInBackHalf(t *testing.T) {
	base := time.Now()
	svc, _ := newTestService(t, config.AuthConfig{SessionTTL: 100, SlidingRefresh: true})
	svc.now = func() time.Time { return base }
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "alice", "pw")
	require.NoError(t, err)
	_, token, err := svc.Login(ctx, "alice", "pw", "", "")
	require.NoError(t, err)

	// 20s in: more than half the TTL remains, no extension.
	svc.now = func() time.Time { return base.Add(20 * time.Second) }
	_, sess, err := svc.ValidateToken(ctx, token, "")
	require.NoError(t, err)
	assert.Equal(t, base.Add(100*time.Second).UnixMilli(), sess.ExpiresAt)

	// 60s in: under half remains, expiry slides to now+TTL.
	svc.now = func() time.Time { return base.Add(60 * time.Second) }
	_, sess, err = svc.ValidateToken(ctx, token, "")
	require.NoError(t, err)
	assert.Equal(t, base.Add(160*time.Second).UnixMilli(), sess.ExpiresAt)

	// The slide was persisted: 140s in still validates.
	svc.now = func() time.Time { return base.Add(140 * time.Second) }
	_, _, err = svc.ValidateToken(ctx, token, "")
	assert.NoError(t, err)
}

func TestLogoutRevokesSession(t *testing.T) {
	svc, _ := newTestService(t, config.AuthConfig{})
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "alice", "pw")
	require.NoError(t, err)
	_, token, err := svc.Login(ctx, "alice", "pw", "", "")
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, token))
	_, _, err = svc.ValidateToken(ctx, token, "")
	assert.ErrorIs(t, err, errkind.ErrAuth)

	// Logging out an unknown token is a no-op.
	assert.NoError(t, svc.Logout(ctx, "bogus"))
}

func TestProjectReorderPersists(t *testing.T) {
	_, store := newTestService(t, config.AuthConfig{})
	ctx := context.Background()

	for i, root := range []string{"/a", "/b", "/c"} {
		p := &Project{UserID: "u1", WorkspaceRoot: root, DisplayName: root, SortOrder: i}
		require.NoError(t, store.UpsertProject(ctx, p))
	}
	list, err := store.ListProjects(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 3)

	// Reverse the order and confirm a fresh list reflects it.
	ids := []string{list[2].ProjectID, list[1].ProjectID, list[0].ProjectID}
	require.NoError(t, store.ReorderProjects(ctx, "u1", ids))

	list, err = store.ListProjects(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "/c", list[0].WorkspaceRoot)
	assert.Equal(t, "/a", list[2].WorkspaceRoot)
}

func TestPreferencesUpsert(t *testing.T) {
	_, store := newTestService(t, config.AuthConfig{})
	ctx := context.Background()

	v, err := store.GetPreference(ctx, "u1", "theme")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, store.SetPreference(ctx, "u1", "theme", "dark"))
	require.NoError(t, store.SetPreference(ctx, "u1", "theme", "light"))

	v, err = store.GetPreference(ctx, "u1", "theme")
	require.NoError(t, err)
	assert.Equal(t, "light", v)
}
