package assets

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adreel-backend/internal/runs"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memStore) Put(ctx context.Context, key, contentType string, r io.Reader) (int64, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = b
	m.types[key] = contentType
	return int64(len(b)), nil
}

func (m *memStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return io.NopCloser(bytes.NewReader(m.objects[key])), nil
}

func (m *memStore) URL(key string) string { return "https://cdn.example/" + key }

func TestPersistRemoteURLIsKeyedByUnit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("clip-bytes"))
	}))
	t.Cleanup(srv.Close)

	store := newMemStore()
	g := New(store)
	place := Placement{RunID: "run-1", SceneID: "scene-2", Kind: runs.AssetVideoClip}

	first, err := g.Persist(context.Background(), Source{URL: srv.URL + "/a.mp4"}, place)
	require.NoError(t, err)
	second, err := g.Persist(context.Background(), Source{URL: srv.URL + "/b.mp4"}, place)
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example/runs/run-1/video_clip/scene-2", first)
	assert.Equal(t, first, second)
	assert.Len(t, store.objects, 1)
	assert.Equal(t, "video/mp4", store.types["runs/run-1/video_clip/scene-2"])
}

func TestPersistDataURL(t *testing.T) {
	store := newMemStore()
	g := New(store)

	url, err := g.Persist(context.Background(), Source{URL: "data:audio/mpeg;base64,SUQz"}, Placement{RunID: "run-1", Kind: runs.AssetVoiceover})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/runs/run-1/voiceover/run", url)
	assert.Equal(t, []byte("ID3"), store.objects["runs/run-1/voiceover/run"])
}

func TestPersistRawBytesSniffsType(t *testing.T) {
	store := newMemStore()
	g := New(store)
	png := []byte("\x89PNG\r\n\x1a\n0000")

	url, err := g.Persist(context.Background(), Source{Data: png}, Placement{RunID: "run-1", SceneID: "s1", Kind: runs.AssetImage})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/runs/run-1/image/s1", url)
	assert.Equal(t, "image/png", store.types["runs/run-1/image/s1"])
}

func TestPersistSameUnitWithNewTypeOverwrites(t *testing.T) {
	store := newMemStore()
	g := New(store)
	place := Placement{RunID: "run-1", SceneID: "s1", Kind: runs.AssetImage}

	first, err := g.Persist(context.Background(), Source{Data: []byte("png-bytes"), ContentType: "image/png"}, place)
	require.NoError(t, err)
	second, err := g.Persist(context.Background(), Source{Data: []byte("webp-bytes"), ContentType: "image/webp"}, place)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, store.objects, 1)
	assert.Equal(t, []byte("webp-bytes"), store.objects["runs/run-1/image/s1"])
	assert.Equal(t, "image/webp", store.types["runs/run-1/image/s1"])
}

func TestPersistRejectsBadSources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	g := New(newMemStore())
	place := Placement{RunID: "run-1", SceneID: "s1", Kind: runs.AssetImage}

	_, err := g.Persist(context.Background(), Source{URL: srv.URL}, place)
	assert.Error(t, err)
	_, err = g.Persist(context.Background(), Source{URL: "ftp://example/x.png"}, place)
	assert.Error(t, err)
	_, err = g.Persist(context.Background(), Source{}, place)
	assert.Error(t, err)
	_, err = g.Persist(context.Background(), Source{Data: []byte("x")}, Placement{Kind: runs.AssetImage})
	assert.Error(t, err)
}

func TestPersistEnforcesSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 64))
	}))
	t.Cleanup(srv.Close)

	g := New(newMemStore())
	g.MaxBytes = 16
	_, err := g.Persist(context.Background(), Source{URL: srv.URL}, Placement{RunID: "r", Kind: runs.AssetMusic})
	assert.ErrorContains(t, err, "exceeds")
}
