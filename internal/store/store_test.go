package store

import (
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cachegen/internal/faults"
)

func openTestStore(t *testing.T, opts Options) (*Store, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "leveldb")
	s, err := Open(dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, dir
}

func okEntry(body string) Entry {
	return Entry{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(body),
	}
}

func TestPutMatchOverwrite(t *testing.T) {
	for _, ram := range []int64{0, 4 << 20} {
		t.Run(fmt.Sprintf("ram=%d", ram), func(t *testing.T) {
			s, _ := openTestStore(t, Options{RAMBytes: ram})
			h, err := s.OpenGeneration("cachegen-1", "1")
			require.NoError(t, err)

			_, ok, err := s.Match(h, "/a")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Put(h, "/a", okEntry("one")))
			got, ok, err := s.Match(h, "/a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "one", string(got.Body))
			assert.Equal(t, "text/plain", got.Header.Get("Content-Type"))

			// read again so the RAM tier is populated, then overwrite
			_, _, _ = s.Match(h, "/a")
			require.NoError(t, s.Put(h, "/a", okEntry("two")))
			got, ok, err = s.Match(h, "/a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "two", string(got.Body))
			assert.Equal(t, []string{"/a"}, s.Keys(h))
		})
	}
}

func TestOpenGenerationIsIdempotent(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	h1, err := s.OpenGeneration("cachegen-1", "1")
	require.NoError(t, err)
	require.NoError(t, s.Put(h1, "/a", okEntry("a")))

	h2, err := s.OpenGeneration("cachegen-1", "1")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, []string{"cachegen-1"}, s.ListGenerations())
	assert.Equal(t, []string{"/a"}, s.Keys(h2))
}

func TestMatchAnyOrder(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	a, err := s.OpenGeneration("cachegen-a", "a")
	require.NoError(t, err)
	b, err := s.OpenGeneration("cachegen-b", "b")
	require.NoError(t, err)
	require.NoError(t, s.Put(a, "/x", okEntry("from-a")))
	require.NoError(t, s.Put(b, "/x", okEntry("from-b")))
	require.NoError(t, s.Put(b, "/y", okEntry("only-b")))

	ent, id, ok := s.MatchAny("/x", a.ID(), b.ID())
	require.True(t, ok)
	assert.Equal(t, "cachegen-a", id)
	assert.Equal(t, "from-a", string(ent.Body))

	ent, id, ok = s.MatchAny("/y", a.ID(), b.ID())
	require.True(t, ok)
	assert.Equal(t, "cachegen-b", id)
	assert.Equal(t, "only-b", string(ent.Body))

	_, _, ok = s.MatchAny("/z", a.ID(), "", b.ID())
	assert.False(t, ok)
}

func TestDeleteGeneration(t *testing.T) {
	s, _ := openTestStore(t, Options{RAMBytes: 4 << 20})
	a, err := s.OpenGeneration("cachegen-a", "a")
	require.NoError(t, err)
	b, err := s.OpenGeneration("cachegen-b", "b")
	require.NoError(t, err)
	require.NoError(t, s.Put(a, "/x", okEntry("a")))
	require.NoError(t, s.Put(b, "/x", okEntry("b")))
	_, _, _ = s.Match(a, "/x")

	require.NoError(t, s.DeleteGeneration("cachegen-a"))
	require.NoError(t, s.DeleteGeneration("cachegen-a"))

	assert.Equal(t, []string{"cachegen-b"}, s.ListGenerations())
	_, ok, err := s.Match(a, "/x")
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.Put(a, "/x", okEntry("late"))
	require.Error(t, err)
	assert.True(t, faults.IsStorage(err))

	ent, ok, err := s.Match(b, "/x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", string(ent.Body))
}

func TestStorageFull(t *testing.T) {
	s, _ := openTestStore(t, Options{DiskBytes: 256})
	h, err := s.OpenGeneration("cachegen-1", "1")
	require.NoError(t, err)

	require.NoError(t, s.Put(h, "/small", okEntry("x")))
	err = s.Put(h, "/big", okEntry(string(make([]byte, 1024))))
	require.Error(t, err)
	assert.True(t, faults.IsStorageFull(err))

	_, ok, err := s.Match(h, "/big")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.LessOrEqual(t, s.TotalSize(), int64(256))
}

func TestSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "leveldb")
	s, err := Open(dir, Options{})
	require.NoError(t, err)
	h, err := s.OpenGeneration("cachegen-7", "7")
	require.NoError(t, err)
	require.NoError(t, s.Put(h, "/a", okEntry("persisted")))
	require.NoError(t, s.Seal(h, map[string]string{"/a": "rev1"}))
	size := s.TotalSize()
	require.NoError(t, s.Close())

	s, err = Open(dir, Options{})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, []string{"cachegen-7"}, s.ListGenerations())
	m, ok := s.Meta("cachegen-7")
	require.True(t, ok)
	assert.True(t, m.Sealed)
	assert.Equal(t, "7", m.Version)
	assert.Equal(t, map[string]string{"/a": "rev1"}, m.Members)
	assert.Equal(t, size, s.TotalSize())

	ent, ok, err := s.Match(h, "/a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "persisted", string(ent.Body))
}

func TestConcurrentWrites(t *testing.T) {
	s, _ := openTestStore(t, Options{RAMBytes: 4 << 20})
	h, err := s.OpenGeneration("cachegen-1", "1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				key := fmt.Sprintf("/k%d", i)
				assert.NoError(t, s.Put(h, key, okEntry(fmt.Sprintf("%d-%d", i, j))))
				_, _, err := s.Match(h, key)
				assert.NoError(t, err)
				assert.NoError(t, s.Put(h, "/shared", okEntry(key)))
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, s.Keys(h), 17)
	for i := 0; i < 16; i++ {
		ent, ok, err := s.Match(h, fmt.Sprintf("/k%d", i))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("%d-19", i), string(ent.Body))
	}
	assert.Equal(t, 17, s.EntryCount())
}
