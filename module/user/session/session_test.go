package session

import (
	"context"
	"testing"
	"time"

	"ppchat/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRevoke(t *testing.T) {
	testRevoke(t, NewMemoryStore(), "")
}

// testRevoke ids 加前缀，同一张表上重复跑不冲突
func testRevoke(t *testing.T, st Store, p string) {
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, &Session{SessionID: p + "s1", UserID: p + "u1", Role: "user"}))
	require.NoError(t, st.Create(ctx, &Session{SessionID: p + "s2", UserID: p + "u1"}))
	require.NoError(t, st.Create(ctx, &Session{SessionID: p + "s3", UserID: p + "u2"}))

	err := st.Create(ctx, &Session{SessionID: p + "s1", UserID: p + "u9"})
	assert.True(t, errs.ErrInvalidPayload.Is(err))

	got, err := st.Get(ctx, p+"s1")
	require.NoError(t, err)
	assert.False(t, got.Revoked())
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, st.Revoke(ctx, p+"s1"))
	got, _ = st.Get(ctx, p+"s1")
	require.True(t, got.Revoked())
	first := *got.RevokedAt

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, st.Revoke(ctx, p+"s1"))
	got, _ = st.Get(ctx, p+"s1")
	assert.Equal(t, first, *got.RevokedAt, "revoke keeps the first timestamp")

	assert.True(t, errs.ErrNotFound.Is(st.Revoke(ctx, p+"nope")))

	ids, err := st.RevokeAllForUser(ctx, p+"u1")
	require.NoError(t, err)
	assert.Equal(t, []string{p + "s2"}, ids)

	got, _ = st.Get(ctx, p+"s3")
	assert.False(t, got.Revoked())
}
