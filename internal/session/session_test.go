package session

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alexjbarnes/pkce-session/internal/models"
	"github.com/alexjbarnes/pkce-session/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingBackend is an in-memory Backend that records calls.
type countingBackend struct {
	mu      sync.Mutex
	data    map[string][]byte
	gets    int
	puts    int
	deletes int
	getErr  error
}

func newCountingBackend() *countingBackend {
	return &countingBackend{data: make(map[string][]byte)}
}

func (b *countingBackend) Get(key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets++
	if b.getErr != nil {
		return nil, b.getErr
	}
	return b.data[key], nil
}

func (b *countingBackend) Put(key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++
	b.data[key] = append([]byte(nil), value...)
	return nil
}

func (b *countingBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes++
	delete(b.data, key)
	return nil
}

func testSession() *models.Session {
	return &models.Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		TokenType:    "bearer",
		ExpiresIn:    3600,
		ExpiresAt:    1_700_003_600,
		User:         json.RawMessage(`{"id":"user-1"}`),
	}
}

// --- Key ---

func TestKey(t *testing.T) {
	assert.Equal(t, "pkce-session:auth:session:abc.supabase.co", Key("https://abc.supabase.co"))
	assert.Equal(t, "pkce-session:auth:session:localhost:54321", Key("http://localhost:54321/"))
	assert.Equal(t, "pkce-session:auth:session:unknown-host", Key("not a url"))
	assert.Equal(t, "pkce-session:auth:session:unknown-host", Key(""))
}

func TestKey_DiffersPerHost(t *testing.T) {
	assert.NotEqual(t, Key("https://one.example"), Key("https://two.example"))
}

// --- Read / Save ---

func TestRead_Empty(t *testing.T) {
	s := NewStore(newCountingBackend(), "https://abc.example", true, nil)
	sess, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestSaveAndRead(t *testing.T) {
	b := newCountingBackend()
	s := NewStore(b, "https://abc.example", true, nil)

	require.NoError(t, s.Save(context.Background(), testSession()))
	assert.Equal(t, 1, b.puts)

	got, err := s.Read(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "access-1", got.AccessToken)
	assert.Equal(t, "user-1", got.UserID())
}

func TestRead_Memoized(t *testing.T) {
	b := newCountingBackend()
	raw, err := json.Marshal(testSession())
	require.NoError(t, err)
	b.data[Key("https://abc.example")] = raw

	s := NewStore(b, "https://abc.example", true, nil)

	first, err := s.Read(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := s.Read(context.Background())
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.Equal(t, 1, b.gets, "second read must be served from memory")
}

func TestRead_ReturnsCopy(t *testing.T) {
	s := NewStore(newCountingBackend(), "https://abc.example", true, nil)
	require.NoError(t, s.Save(context.Background(), testSession()))

	got, err := s.Read(context.Background())
	require.NoError(t, err)
	got.AccessToken = "mutated"

	again, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", again.AccessToken)
}

func TestSaveNil_Clears(t *testing.T) {
	b := newCountingBackend()
	s := NewStore(b, "https://abc.example", true, nil)
	require.NoError(t, s.Save(context.Background(), testSession()))

	require.NoError(t, s.Save(context.Background(), nil))
	assert.Equal(t, 1, b.deletes)
	assert.Empty(t, b.data)

	got, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRead_CorruptRecord(t *testing.T) {
	b := newCountingBackend()
	b.data[Key("https://abc.example")] = []byte("{not json")

	s := NewStore(b, "https://abc.example", true, nil)
	got, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRead_BackendError(t *testing.T) {
	b := newCountingBackend()
	b.getErr = errors.New("disk on fire")

	s := NewStore(b, "https://abc.example", true, nil)
	got, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

// --- Persistence disabled ---

func TestPersistDisabled_NeverTouchesBackend(t *testing.T) {
	b := newCountingBackend()
	s := NewStore(b, "https://abc.example", false, nil)

	require.NoError(t, s.Save(context.Background(), testSession()))
	got, err := s.Read(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "access-1", got.AccessToken)

	require.NoError(t, s.Save(context.Background(), nil))

	assert.Zero(t, b.gets)
	assert.Zero(t, b.puts)
	assert.Zero(t, b.deletes)
}

func TestPersistDisabled_NothingInBolt(t *testing.T) {
	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"), state.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	s := NewStore(st, "https://abc.example", false, nil)
	require.NoError(t, s.Save(context.Background(), testSession()))

	keys, err := st.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

// --- bbolt backend ---

func TestBoltBackend_SurvivesNewStore(t *testing.T) {
	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"), state.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	s1 := NewStore(st, "https://abc.example", true, nil)
	require.NoError(t, s1.Save(context.Background(), testSession()))

	s2 := NewStore(st, "https://abc.example", true, nil)
	got, err := s2.Read(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "refresh-1", got.RefreshToken)

	other := NewStore(st, "https://other.example", true, nil)
	got, err = other.Read(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got, "a different backend host must not see the session")
}
