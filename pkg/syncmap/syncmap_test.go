package syncmap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roostworks/gateway/pkg/syncmap"
)

func TestMapStoreLoad(t *testing.T) {
	t.Parallel()

	m := &syncmap.Map[int32, string]{}

	m.Store(0, "a")
	m.Store(1, "b")
	m.Store(1, "c")

	value, ok := m.Load(1)
	assert.True(t, ok)
	assert.Equal(t, "c", value)

	_, ok = m.Load(2)
	assert.False(t, ok)

	assert.Equal(t, 2, m.Count())
}

func TestMapDelete(t *testing.T) {
	t.Parallel()

	m := &syncmap.Map[int32, string]{}

	m.Store(0, "a")
	m.Delete(0)
	m.Delete(0)

	_, ok := m.Load(0)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Count())
}

func TestMapLoadAndDelete(t *testing.T) {
	t.Parallel()

	m := &syncmap.Map[int32, string]{}

	m.Store(0, "a")

	value, ok := m.LoadAndDelete(0)
	assert.True(t, ok)
	assert.Equal(t, "a", value)

	_, ok = m.LoadAndDelete(0)
	assert.False(t, ok)
}

func TestMapRange(t *testing.T) {
	t.Parallel()

	m := &syncmap.Map[int32, string]{}

	m.Store(0, "a")
	m.Store(1, "b")

	seen := map[int32]string{}

	m.Range(func(key int32, value string) bool {
		seen[key] = value

		return true
	})

	assert.Equal(t, map[int32]string{0: "a", 1: "b"}, seen)
}
