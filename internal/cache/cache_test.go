package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyStore struct {
	mu   sync.Mutex
	err  error
	data map[string][]byte
	gets int
}

func newFlaky() *flakyStore {
	return &flakyStore{data: make(map[string][]byte)}
}

func (f *flakyStore) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.data[key]
	if !ok {
		return nil, ErrMiss
	}
	return v, nil
}

func (f *flakyStore) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.err != nil {
		return f.err
	}
	f.data[key] = value
	return nil
}

func TestLocalStoreTTLAndEviction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Unix(1000, 0)
	s := NewLocalStore(2)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), 0))

	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	now = now.Add(2 * time.Minute)
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrMiss)

	_, err = s.Get(ctx, "b")
	assert.NoError(t, err, "zero ttl never expires")

	require.NoError(t, s.Set(ctx, "c", []byte("3"), 0))
	require.NoError(t, s.Set(ctx, "d", []byte("4"), 0))
	_, err = s.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrMiss, "least recently used evicted")
	assert.Equal(t, 2, s.Len())
}

func TestTieredStoreFallsBackAndRecovers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	primary := newFlaky()
	now := time.Unix(0, 0)
	s := NewTieredStore(primary, NewLocalStore(16), time.Second)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Hour))
	assert.Equal(t, []byte("v"), primary.data["k"])

	primary.setErr(errors.New("connection refused"))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err, "served from local tier")
	assert.Equal(t, []byte("v"), v)
	assert.True(t, s.Degraded())

	// during the cooldown the primary is not consulted
	before := primary.gets
	_, _ = s.Get(ctx, "k")
	assert.Equal(t, before, primary.gets)

	primary.setErr(nil)
	now = now.Add(2 * time.Second)
	_, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, s.Degraded())
}

func TestTieredStoreIgnoresAbandonedRequests(t *testing.T) {
	t.Parallel()
	primary := newFlaky()
	primary.data["k"] = []byte("v")
	s := NewTieredStore(primary, NewLocalStore(16), time.Minute)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Get(cancelled, "k")
	assert.ErrorIs(t, err, ErrMiss)
	require.NoError(t, s.Set(cancelled, "other", []byte("x"), time.Hour))
	assert.False(t, s.Degraded())

	expired, stop := context.WithTimeout(context.Background(), -time.Second)
	defer stop()
	_, err = s.Get(expired, "k")
	assert.ErrorIs(t, err, ErrMiss)
	assert.False(t, s.Degraded())

	v, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestTieredStoreWithoutPrimary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewTieredStore(nil, NewLocalStore(4), time.Second)
	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestTieredStoreUnreachableRedis(t *testing.T) {
	t.Parallel()
	redisStore := NewRedisStore("127.0.0.1:1", "", 0, 2)
	defer redisStore.Close()
	s := NewTieredStore(redisStore, NewLocalStore(4), time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
	assert.True(t, s.Degraded())
}

func TestKeys(t *testing.T) {
	t.Parallel()
	audio := []byte{1, 2, 3, 4}
	k := TranscriptKey(audio, "pcm16", "en")
	assert.Regexp(t, `^stt:[0-9a-f]{64}$`, k)
	assert.Equal(t, k, TranscriptKey(audio, "pcm16", "en"))
	assert.NotEqual(t, k, TranscriptKey(audio, "pcm16", "es"))
	assert.NotEqual(t, k, TranscriptKey(audio, "wav", "en"))

	sk := SpeechKey("amy", "hello")
	assert.Regexp(t, `^tts:[0-9a-f]{64}$`, sk)
	assert.NotEqual(t, sk, SpeechKey("joanna", "hello"))
	assert.NotEqual(t, SpeechKey("a", "bc"), SpeechKey("ab", "c"))
}

func TestCacheRoundTripAndNil(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := New(NewLocalStore(8), time.Minute, time.Hour)

	_, ok := c.Transcript(ctx, "stt:x")
	assert.False(t, ok)
	c.PutTranscript(ctx, "stt:x", "hello there")
	text, ok := c.Transcript(ctx, "stt:x")
	require.True(t, ok)
	assert.Equal(t, "hello there", text)

	c.PutSpeech(ctx, "tts:y", []byte{9, 9})
	audio, ok := c.Speech(ctx, "tts:y")
	require.True(t, ok)
	assert.Equal(t, []byte{9, 9}, audio)

	var nilCache *Cache
	_, ok = nilCache.Transcript(ctx, "stt:x")
	assert.False(t, ok)
	nilCache.PutSpeech(ctx, "tts:y", nil)

	failing := newFlaky()
	failing.setErr(errors.New("down"))
	c = New(failing, time.Minute, time.Minute)
	_, ok = c.Speech(ctx, "tts:y")
	assert.False(t, ok)
}
