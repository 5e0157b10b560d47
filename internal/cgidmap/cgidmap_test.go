package cgidmap

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestAddAndGet(t *testing.T) {
	m := New()
	pod := uuid.New()

	m.Add(pod, "container001", 123450001)

	got, ok := m.Get(123450001)
	require.True(t, ok)
	require.Equal(t, "container001", got)
	require.Equal(t, 1, m.Len())
}

func TestUpdatePartialContainerRemove(t *testing.T) {
	m := New()
	pod := uuid.New()

	m.Add(pod, "container003-1", 123450003)
	m.Add(pod, "container003-2", 678900003)
	require.Equal(t, 2, m.Len())

	m.Update(pod, map[string]struct{}{"container003-1": {}})

	_, ok := m.Get(123450003)
	require.True(t, ok, "container that is still live must remain resolvable")

	_, ok = m.Get(678900003)
	require.False(t, ok, "container removed from the pod must no longer resolve")

	// Arena slot is retained for reuse, not dropped outright.
	require.Equal(t, 2, m.Len())
}

func TestUpdateAllContainersRemoved(t *testing.T) {
	m := New()
	pod := uuid.New()

	m.Add(pod, "container004-1", 123450004)
	m.Add(pod, "container004-2", 678900004)

	m.Update(pod, map[string]struct{}{})

	_, ok := m.Get(123450004)
	require.False(t, ok)
	_, ok = m.Get(678900004)
	require.False(t, ok)
	require.Equal(t, 2, m.Len())
}

func TestInvalidatedSlotIsReused(t *testing.T) {
	m := New()
	pod := uuid.New()

	m.Add(pod, "c1", 1)
	m.Update(pod, map[string]struct{}{}) // invalidates c1's slot

	m.Add(pod, "c2", 2)

	// The arena must not have grown: the invalidated slot for c1 was
	// reused for c2.
	require.Equal(t, 1, m.Len())

	got, ok := m.Get(2)
	require.True(t, ok)
	require.Equal(t, "c2", got)
}

func TestAddOnExistingContainerAdoptsNewValues(t *testing.T) {
	m := New()
	pod1 := uuid.New()
	pod2 := uuid.New()

	m.Add(pod1, "container1", 111)
	m.Add(pod2, "container1", 222)

	got, ok := m.Get(222)
	require.True(t, ok)
	require.Equal(t, "container1", got)

	_, ok = m.Get(111)
	require.False(t, ok, "stale cgroup id must no longer resolve once it changed for the container")
}
