package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory(time.Minute)
	now := time.Unix(100, 0)
	d.now = func() time.Time { return now }

	require.NoError(t, d.Online(ctx, "u1", "i2"))
	require.NoError(t, d.Online(ctx, "u1", "i1"))
	got, err := d.Instances(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"i1", "i2"}, got)

	require.NoError(t, d.Offline(ctx, "u1", "i2"))
	got, _ = d.Instances(ctx, "u1")
	assert.Equal(t, []string{"i1"}, got)

	now = now.Add(2 * time.Minute)
	got, _ = d.Instances(ctx, "u1")
	assert.Empty(t, got, "expired entries are dropped")
}

func TestPresenceKeyUsesHashTag(t *testing.T) {
	assert.Equal(t, "im:presence:{u1}", presenceKey("u1"))
}
