package timer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDefaults struct {
	m      map[string]time.Duration
	putErr error
}

func (b *memDefaults) PutDefault(_ context.Context, tenant string, d time.Duration) error {
	if b.putErr != nil {
		return b.putErr
	}
	if b.m == nil {
		b.m = map[string]time.Duration{}
	}
	b.m[tenant] = d
	return nil
}

func (b *memDefaults) ListDefaults(context.Context) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration, len(b.m))
	for k, v := range b.m {
		out[k] = v
	}
	return out, nil
}

func TestDefaultStoreFallback(t *testing.T) {
	s := NewDefaultDurationStore(0, nil, testLogger())
	assert.Equal(t, 5*time.Minute, s.Get("g1"))
}

func TestDefaultStoreLastWriteWins(t *testing.T) {
	b := &memDefaults{}
	s := NewDefaultDurationStore(5*time.Minute, b, testLogger())
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "g1", 10*time.Minute))
	require.NoError(t, s.Set(ctx, "g1", 2*time.Minute))
	assert.Equal(t, 2*time.Minute, s.Get("g1"))
	assert.Equal(t, 5*time.Minute, s.Get("g2"))
	assert.Equal(t, 2*time.Minute, b.m["g1"])
}

func TestDefaultStoreRejectsNonPositive(t *testing.T) {
	s := NewDefaultDurationStore(0, nil, testLogger())
	assert.ErrorIs(t, s.Set(context.Background(), "g1", 0), ErrDurationOutOfRange)
	assert.Equal(t, 0, s.Len())
}

func TestDefaultStoreBackendFailureKeepsMemory(t *testing.T) {
	b := &memDefaults{putErr: errors.New("disk full")}
	s := NewDefaultDurationStore(0, b, testLogger())
	err := s.Set(context.Background(), "g1", time.Minute)
	require.Error(t, err)
	assert.Equal(t, time.Minute, s.Get("g1"))
}

func TestDefaultStoreLoad(t *testing.T) {
	b := &memDefaults{m: map[string]time.Duration{"g1": 7 * time.Minute, "bad": 0}}
	s := NewDefaultDurationStore(0, b, testLogger())
	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, 7*time.Minute, s.Get("g1"))
	assert.Equal(t, 1, s.Len())
}
