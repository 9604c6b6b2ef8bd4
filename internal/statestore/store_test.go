package statestore

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestGetSetDottedPath(t *testing.T) {
	s := New(testLogger(), "", 0)

	require.Nil(t, s.Get("device.10.0.0.1.brightness", nil))
	require.NoError(t, s.Set("device.10.0.0.1.brightness", 42))
	require.Equal(t, 42, s.Get("device.10.0.0.1.brightness", nil))

	// unrelated device subtree is untouched.
	require.Nil(t, s.Get("device.10.0.0.2.brightness", nil))
}

func TestUpdateAtomic(t *testing.T) {
	s := New(testLogger(), "", 0)
	require.NoError(t, s.Set("device.h1.generationId", uint64(1)))

	require.NoError(t, s.Update("device.h1.generationId", func(cur interface{}) interface{} {
		g, _ := cur.(uint64)
		return g + 1
	}))

	require.Equal(t, uint64(2), s.Get("device.h1.generationId", uint64(0)))
}

func TestSubscribeReceivesMutationsInOrder(t *testing.T) {
	s := New(testLogger(), "", 0)

	var mu sync.Mutex
	var seen []interface{}
	unsub := s.Subscribe("device.h1.", func(path Path, oldVal, newVal interface{}) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, newVal)
	})
	defer unsub()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Set("device.h1.generationId", uint64(i)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		require.Equal(t, uint64(i), v)
	}
}

func TestSubscribeReentrantSetDoesNotDeadlock(t *testing.T) {
	s := New(testLogger(), "", 0)

	done := make(chan struct{})
	unsub := s.Subscribe("device.h1.flag", func(path Path, oldVal, newVal interface{}) {
		if path == "device.h1.flag" && newVal == true {
			_ = s.Set("device.h1.flagEcho", true)
			close(done)
		}
	})
	defer unsub()

	require.NoError(t, s.Set("device.h1.flag", true))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reentrant Set deadlocked or was never delivered")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.yaml")

	s := New(testLogger(), path, 5*time.Millisecond)
	require.NoError(t, s.Set("device.h1.activeScene", "clock"))
	require.NoError(t, s.Set("device.h1.playState", "playing"))
	require.NoError(t, s.Set("device.h1.brightness", 77))
	require.NoError(t, s.Set("device.h1.displayOn", true))
	// transient field: must never be persisted.
	require.NoError(t, s.Set("device.h1.generationId", uint64(9)))

	require.NoError(t, s.Close())

	doc := LoadDocument(path, testLogger())
	require.Equal(t, 1, doc.Version)
	snap, ok := doc.Devices["h1"]
	require.True(t, ok)
	require.Equal(t, "clock", snap.ActiveScene)
	require.Equal(t, "playing", snap.PlayState)
	require.Equal(t, 77, snap.Brightness)
	require.True(t, snap.DisplayOn)

	s2 := New(testLogger(), "", 0)
	s2.Restore(doc)
	require.Equal(t, "clock", s2.Get("device.h1.activeScene", nil))
	// non-persisted fields are re-initialized to defaults, not carried over.
	require.Equal(t, uint64(0), s2.Get("device.h1.generationId", uint64(0)))
}

func TestLoadDocumentMissingFileReturnsDefaults(t *testing.T) {
	doc := LoadDocument(filepath.Join(t.TempDir(), "missing.yaml"), testLogger())
	require.Equal(t, documentVersion, doc.Version)
	require.Empty(t, doc.Devices)
}

func TestLoadDocumentCorruptFileResetsToDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.yaml")
	require.NoError(t, os.WriteFile(path, []byte("devices: [this, is, not, a, map}"), 0o644))

	doc := LoadDocument(path, testLogger())
	require.Equal(t, documentVersion, doc.Version)
	require.Empty(t, doc.Devices)
}
