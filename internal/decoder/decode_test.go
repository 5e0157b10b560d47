package decoder

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeShortFrameIsError(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	require.Error(t, err)
	var short ErrShortFrame
	require.ErrorAs(t, err, &short)
}

func TestDecodeAcceptsSizeAtFrameBound(t *testing.T) {
	frame := make([]byte, FrameSize)
	frame[0] = uint8(OpExit)
	putSize(frame, FrameSize)

	ev, err := Decode(frame)
	require.NoError(t, err)
	require.NotNil(t, ev.Exit)
}

func TestDecodeRejectsSizePastFrameBound(t *testing.T) {
	frame := make([]byte, FrameSize)
	frame[0] = uint8(OpExit)
	putSize(frame, FrameSize+1)

	_, err := Decode(frame)
	require.Error(t, err)
	var oversize ErrOversizeFrame
	require.ErrorAs(t, err, &oversize)
	require.Equal(t, uint32(FrameSize+1), oversize.Size)
}

func putSize(frame []byte, size uint32) {
	binary.NativeEndian.PutUint32(frame[4:8], size)
}

func TestDecodeUnknownOpNeverErrors(t *testing.T) {
	frame := make([]byte, FrameSize)
	frame[0] = 0xaa // unrecognized op
	ev, err := Decode(frame)
	require.NoError(t, err)
	require.NotNil(t, ev.Unknown)
	require.Equal(t, uint8(0xaa), ev.Unknown.Common.Op)
}

func TestExecveRoundTrip(t *testing.T) {
	want := &ExecveEvent{
		Common:      MsgCommon{Op: uint8(OpExecve), Ktime: 42},
		Kube:        MsgK8s{CgrpID: 123456},
		Parent:      MsgExecveKey{PID: 10, Ktime: 1},
		ParentFlags: 7,
		Creds:       MsgCred{UID: 1000, EUID: 0, Caps: MsgCapabilities{Effective: 0x3}},
		NS:          MsgNamespaces{PID: 4026531836},
		CleanupKey:  MsgExecveKey{PID: 99, Ktime: 2},
		Process:     MsgProcess{PID: 99, TID: 99, Ktime: 42},
	}
	copy(want.Exe.Filename[:], "/usr/bin/true")

	frame, err := Encode(Event{Execve: want})
	require.NoError(t, err)
	require.Len(t, frame, ExecveFrameSize)

	got, err := Decode(frame)
	require.NoError(t, err)
	require.NotNil(t, got.Execve)
	require.Equal(t, want, got.Execve)
}

func TestExitRoundTrip(t *testing.T) {
	want := &ExitEvent{
		Common:  MsgCommon{Op: uint8(OpExit), Ktime: 7},
		Current: MsgExecveKey{PID: 55, Ktime: 7},
		Info:    ExitInfo{Code: 1, TID: 55},
	}
	frame, err := Encode(Event{Exit: want})
	require.NoError(t, err)

	got, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, want, got.Exit)
}

func TestCloneRoundTrip(t *testing.T) {
	want := &CloneEvent{
		Common: MsgCommon{Op: uint8(OpClone)},
		Parent: MsgExecveKey{PID: 1, Ktime: 1},
		TGID:   2,
		TID:    2,
		NSPID:  2,
		Flags:  uint32(EventClone),
		Ktime:  99,
	}
	frame, err := Encode(Event{Clone: want})
	require.NoError(t, err)

	got, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, want, got.Clone)
}

func TestDataRoundTrip(t *testing.T) {
	want := &DataEvent{
		Common: MsgCommon{Op: uint8(OpData), Size: 12},
		PID:    4,
		Time:   8,
		Arg:    []byte("--flag=value"),
	}
	frame, err := Encode(Event{Data: want})
	require.NoError(t, err)

	got, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, want, got.Data)
}

func TestDataRoundTripTruncatesToMaxSize(t *testing.T) {
	big := make([]byte, MaxDataSize+500)
	want := &DataEvent{Common: MsgCommon{Op: uint8(OpData), Size: uint32(len(big))}, Arg: big}
	frame, err := Encode(want2Frame(want))
	require.NoError(t, err)

	got, err := Decode(frame)
	require.NoError(t, err)
	require.Len(t, got.Data.Arg, MaxDataSize)
}

func want2Frame(ev *DataEvent) Event {
	return Event{Data: ev}
}
