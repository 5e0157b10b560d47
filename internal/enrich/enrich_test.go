package enrich

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/procgraph/agent/internal/decoder"
	"github.com/procgraph/agent/internal/execcache"
	"github.com/procgraph/agent/internal/metrics"
)

func newTestEnricher(t *testing.T) *Enricher {
	t.Helper()
	cache, err := execcache.New("node1", 0)
	require.NoError(t, err)
	return &Enricher{Cache: cache, Metrics: metrics.New()}
}

func TestCapabilityIndices(t *testing.T) {
	got := capabilityIndices(0b1011)
	require.Equal(t, []uint32{0, 1, 3}, got)

	require.Nil(t, capabilityIndices(0))
}

func TestSecureBitsList(t *testing.T) {
	got := secureBitsList(secbitNoRoot | secbitKeepCaps)
	require.ElementsMatch(t, []string{"SECBIT_NOROOT", "SECBIT_KEEP_CAPS"}, got)

	require.Nil(t, secureBitsList(0))
}

func TestDecodeArgsDropsArgvZeroAndEmptySegments(t *testing.T) {
	raw := []byte("/bin/sh\x00-c\x00true\x00\x00\x00\x00")
	require.Equal(t, "-c true", decodeArgs(raw))

	// argv[0] alone means no reportable arguments.
	require.Equal(t, "", decodeArgs([]byte("/bin/true\x00")))
}

func TestAnonymousBinaryHeuristic(t *testing.T) {
	fp := FilePropertiesAnonymous(42, 0)
	require.True(t, fp.Anonymous)
	require.Equal(t, uint64(42), fp.Inode.Number)
}

func TestExecveEnrichesAndCachesProcess(t *testing.T) {
	e := newTestEnricher(t)

	ev := &decoder.ExecveEvent{
		Process: decoder.MsgProcess{PID: 10, TID: 10, Ktime: 100, UID: 1000, SecureExec: ExecveSetuid},
		Parent:  decoder.MsgExecveKey{PID: 1, Ktime: 1},
		Creds:   decoder.MsgCred{EUID: 0},
	}
	copy(ev.Exe.Filename[:], "/usr/bin/true")

	proc := e.Execve(ev, "node1")

	require.Equal(t, "/usr/bin/true", proc.Binary)
	require.Equal(t, uint32(10), proc.PID)
	require.NotNil(t, proc.BinaryProps.Setuid)
	require.Equal(t, uint32(0), *proc.BinaryProps.Setuid)
	require.Contains(t, proc.BinaryProps.PrivilegesChanged, "PRIVILEGES_RAISED_EXEC_FILE_SETUID")

	cached, ok := e.Cache.Get(proc.ExecID)
	require.True(t, ok)
	require.Equal(t, proc.Binary, cached.Binary)
}

func TestExecveSetsEventMissWhenParentUncached(t *testing.T) {
	e := newTestEnricher(t)

	ev := &decoder.ExecveEvent{
		Process: decoder.MsgProcess{PID: 100, TID: 100, Ktime: 1000},
		Parent:  decoder.MsgExecveKey{PID: 42, Ktime: 0},
	}
	copy(ev.Exe.Filename[:], "/bin/sh")

	proc := e.Execve(ev, "host")
	require.Equal(t, "EVENT_MISS", proc.Flags)
	require.Equal(t, execcache.SentinelExecID("host"), proc.ParentExecID)
}

func TestExecveOverClonedChildResolvesForkParent(t *testing.T) {
	e := newTestEnricher(t)

	// clone(parent={50,500}) -> child pid 200 at ktime 1500
	parentID := e.Cache.ExecIDFor(50, 500)
	e.Cache.Add(&execcache.Process{ExecID: parentID, PID: 50, TID: 50, Binary: "/bin/sh"})
	require.NoError(t, e.Clone(&decoder.CloneEvent{
		Parent: decoder.MsgExecveKey{PID: 50, Ktime: 500},
		TGID:   200, TID: 200, Ktime: 1500,
	}, "node1"))

	// the child execs: cleanup key names the pre-exec clone entry, and
	// the clone flag routes parent resolution to the fork parent.
	ev := &decoder.ExecveEvent{
		Process:    decoder.MsgProcess{PID: 200, TID: 200, Ktime: 1600, Flags: uint32(decoder.EventClone)},
		Parent:     decoder.MsgExecveKey{PID: 50, Ktime: 500},
		CleanupKey: decoder.MsgExecveKey{PID: 200, Ktime: 1500},
	}
	copy(ev.Exe.Filename[:], "/usr/bin/curl")
	copy(ev.Exe.Args[:], "curl\x00https://x\x00")

	proc := e.Execve(ev, "node1")
	require.Equal(t, parentID, proc.ParentExecID)
	require.Equal(t, "https://x", proc.Arguments)
	require.Empty(t, proc.Flags)
}

func TestExecveWarnsAndNormalizesOnTidPidMismatch(t *testing.T) {
	e := newTestEnricher(t)

	ev := &decoder.ExecveEvent{
		Process: decoder.MsgProcess{PID: 20, TID: 21, Ktime: 200},
	}
	copy(ev.Exe.Filename[:], "/bin/busy")

	proc := e.Execve(ev, "node1")
	require.Equal(t, proc.PID, proc.TID)
}

func TestAnonymousBinaryDetectedFromInode(t *testing.T) {
	e := newTestEnricher(t)

	ev := &decoder.ExecveEvent{
		Process: decoder.MsgProcess{PID: 30, TID: 30, Ktime: 300, IIno: 55, INlink: 0},
	}
	copy(ev.Exe.Filename[:], "/memfd:test")

	proc := e.Execve(ev, "node1")
	require.NotNil(t, proc.BinaryProps.File)
	require.True(t, proc.BinaryProps.File.Anonymous)
}

func TestExitRetiresCachedProcess(t *testing.T) {
	e := newTestEnricher(t)

	execID := e.Cache.ExecIDFor(40, 400)
	e.Cache.Add(&execcache.Process{ExecID: execID, PID: 40, TID: 40})

	got := e.Exit(&decoder.ExitEvent{Current: decoder.MsgExecveKey{PID: 40, Ktime: 400}}, "node1")
	require.NotNil(t, got)
	require.Equal(t, uint32(40), got.Process.PID)
	require.Equal(t, uint32(0), got.Status)
	require.Empty(t, got.Signal)

	_, ok := e.Cache.Get(execID)
	require.False(t, ok)
}

func TestExitSplitsStatusAndSignal(t *testing.T) {
	e := newTestEnricher(t)

	add := func(pid uint32, ktime uint64) {
		e.Cache.Add(&execcache.Process{ExecID: e.Cache.ExecIDFor(pid, ktime), PID: pid, TID: pid})
	}

	add(41, 410)
	got := e.Exit(&decoder.ExitEvent{
		Current: decoder.MsgExecveKey{PID: 41, Ktime: 410},
		Info:    decoder.ExitInfo{Code: 2 << 8},
	}, "node1")
	require.NotNil(t, got)
	require.Equal(t, uint32(2), got.Status)
	require.Empty(t, got.Signal)

	add(42, 420)
	got = e.Exit(&decoder.ExitEvent{
		Current: decoder.MsgExecveKey{PID: 42, Ktime: 420},
		Info:    decoder.ExitInfo{Code: 9},
	}, "node1")
	require.NotNil(t, got)
	require.Equal(t, "SIGKILL", got.Signal)
	require.Equal(t, uint32(0), got.Status)
}

func TestExitResolvesCachedParent(t *testing.T) {
	e := newTestEnricher(t)

	parentID := e.Cache.ExecIDFor(1, 10)
	e.Cache.Add(&execcache.Process{ExecID: parentID, PID: 1, TID: 1, Binary: "/sbin/init"})

	childID := e.Cache.ExecIDFor(44, 440)
	e.Cache.Add(&execcache.Process{ExecID: childID, ParentExecID: parentID, PID: 44, TID: 44})

	got := e.Exit(&decoder.ExitEvent{Current: decoder.MsgExecveKey{PID: 44, Ktime: 440}}, "node1")
	require.NotNil(t, got)
	require.NotNil(t, got.Parent)
	require.Equal(t, "/sbin/init", got.Parent.Binary)
}

func TestExitDropsZeroKtime(t *testing.T) {
	e := newTestEnricher(t)
	require.Nil(t, e.Exit(&decoder.ExitEvent{Current: decoder.MsgExecveKey{PID: 7, Ktime: 0}}, "node1"))
}

func TestExecvePopulatesNamespaces(t *testing.T) {
	e := newTestEnricher(t)

	ev := &decoder.ExecveEvent{
		Process: decoder.MsgProcess{PID: 60, TID: 60, Ktime: 600},
		NS:      decoder.MsgNamespaces{PID: 4026531836, Net: 4026531840},
	}
	copy(ev.Exe.Filename[:], "/bin/true")

	proc := e.Execve(ev, "node1")
	require.NotNil(t, proc.Namespaces)
	require.Equal(t, uint32(4026531836), proc.Namespaces.PID)
	require.Equal(t, uint32(4026531840), proc.Namespaces.Net)
}

func TestExitOnUncachedProcessReturnsNilAndCounts(t *testing.T) {
	e := newTestEnricher(t)

	got := e.Exit(&decoder.ExitEvent{Current: decoder.MsgExecveKey{PID: 999, Ktime: 1}}, "node1")
	require.Nil(t, got)
}

func TestAncestorsWalksParentChain(t *testing.T) {
	cache, err := execcache.New("node1", 0)
	require.NoError(t, err)

	root := cache.ExecIDFor(1, 1)
	cache.Add(&execcache.Process{ExecID: root})

	mid := cache.ExecIDFor(2, 2)
	cache.Add(&execcache.Process{ExecID: mid, ParentExecID: root})

	leaf := cache.ExecIDFor(3, 3)
	cache.Add(&execcache.Process{ExecID: leaf, ParentExecID: mid})

	got := Ancestors(cache, leaf, DefaultMaxAncestorDepth)
	require.Equal(t, []string{mid, root}, got)
}

func TestAncestorsTruncatesAtMissingParent(t *testing.T) {
	cache, err := execcache.New("node1", 0)
	require.NoError(t, err)

	leaf := cache.ExecIDFor(5, 5)
	cache.Add(&execcache.Process{ExecID: leaf, ParentExecID: "unresolvable"})

	got := Ancestors(cache, leaf, DefaultMaxAncestorDepth)
	require.Empty(t, got)
}

func TestCloneRequiresCachedParent(t *testing.T) {
	e := newTestEnricher(t)

	err := e.Clone(&decoder.CloneEvent{Parent: decoder.MsgExecveKey{PID: 1, Ktime: 1}, TGID: 2, TID: 2}, "node1")
	require.ErrorIs(t, err, execcache.ErrParentNotCached)
}

func TestCloneRejectsMismatchedIDs(t *testing.T) {
	e := newTestEnricher(t)

	err := e.Clone(&decoder.CloneEvent{TGID: 2, TID: 3}, "node1")
	require.ErrorIs(t, err, errMismatchedCloneIDs)
}
