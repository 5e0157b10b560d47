package decoder

import (
	"encoding/binary"
	"fmt"
)

// ErrShortFrame is returned when a buffer is too small to hold even
// the MsgCommon header.
type ErrShortFrame struct {
	Got int
}

func (e ErrShortFrame) Error() string {
	return fmt.Sprintf("decoder: frame too short to hold a header: got %d bytes", e.Got)
}

// ErrOversizeFrame is returned when a control frame header claims a
// size past the fixed FrameSize bound. The caller counts it and
// resynchronizes at the next frame boundary. OpData frames are not
// rejected for size: their payload is clamped to MaxDataSize instead,
// since a continuation frame's tail is best-effort by construction.
type ErrOversizeFrame struct {
	Op   uint8
	Size uint32
}

func (e ErrOversizeFrame) Error() string {
	return fmt.Sprintf("decoder: frame size %d exceeds bound for op %d", e.Size, e.Op)
}

// Decode parses a single ring-buffer frame into an Event. Malformed
// frames return an error the caller should count and skip; an
// unrecognized op code is not an error, it is reported as an
// UnknownEvent.
func Decode(frame []byte) (Event, error) {
	if len(frame) < msgCommonSize {
		return Event{}, ErrShortFrame{Got: len(frame)}
	}

	common := decodeMsgCommon(frame)

	switch Op(common.Op) {
	case OpExecve:
		if common.Size > ExecveFrameSize {
			return Event{}, ErrOversizeFrame{Op: common.Op, Size: common.Size}
		}
	case OpExit, OpClone:
		if common.Size > FrameSize {
			return Event{}, ErrOversizeFrame{Op: common.Op, Size: common.Size}
		}
	}

	switch Op(common.Op) {
	case OpExecve:
		return decodeExecve(common, frame)
	case OpExit:
		return decodeExit(common, frame)
	case OpClone:
		return decodeClone(common, frame)
	case OpData:
		return decodeData(common, frame)
	default:
		return Event{Unknown: &UnknownEvent{Common: common, Raw: frame}}, nil
	}
}

func decodeExecve(common MsgCommon, b []byte) (Event, error) {
	off := msgCommonSize
	if len(b) < ExecveFrameSize {
		return Event{}, ErrShortFrame{Got: len(b)}
	}

	ev := &ExecveEvent{Common: common}

	ev.Kube = decodeMsgK8s(b[off:])
	off += msgK8sSize

	ev.Parent = decodeMsgExecveKey(b[off:])
	off += msgExecveKeySize

	ev.ParentFlags = binary.NativeEndian.Uint64(b[off : off+8])
	off += 8

	ev.Creds = decodeMsgCred(b[off:])
	off += msgCredSize

	ev.NS = decodeMsgNamespaces(b[off:])
	off += msgNamespacesSize

	ev.CleanupKey = decodeMsgExecveKey(b[off:])
	off += msgExecveKeySize

	ev.Process = decodeMsgProcess(b[off:])
	off += msgProcessSize

	ev.Exe = decodeHeapExe(b[off:])

	return Event{Execve: ev}, nil
}

func decodeExit(common MsgCommon, b []byte) (Event, error) {
	off := msgCommonSize
	need := off + msgExecveKeySize + 8
	if len(b) < need {
		return Event{}, ErrShortFrame{Got: len(b)}
	}

	ev := &ExitEvent{Common: common}
	ev.Current = decodeMsgExecveKey(b[off:])
	off += msgExecveKeySize

	ev.Info.Code = binary.NativeEndian.Uint32(b[off : off+4])
	ev.Info.TID = binary.NativeEndian.Uint32(b[off+4 : off+8])

	return Event{Exit: ev}, nil
}

func decodeClone(common MsgCommon, b []byte) (Event, error) {
	off := msgCommonSize
	need := off + msgExecveKeySize + 4*4 + 8
	if len(b) < need {
		return Event{}, ErrShortFrame{Got: len(b)}
	}

	ev := &CloneEvent{Common: common}
	ev.Parent = decodeMsgExecveKey(b[off:])
	off += msgExecveKeySize

	ev.TGID = binary.NativeEndian.Uint32(b[off : off+4])
	ev.TID = binary.NativeEndian.Uint32(b[off+4 : off+8])
	ev.NSPID = binary.NativeEndian.Uint32(b[off+8 : off+12])
	ev.Flags = binary.NativeEndian.Uint32(b[off+12 : off+16])
	off += 16

	ev.Ktime = binary.NativeEndian.Uint64(b[off : off+8])

	return Event{Clone: ev}, nil
}

func decodeData(common MsgCommon, b []byte) (Event, error) {
	off := msgCommonSize
	need := off + 4 + 8
	if len(b) < need {
		return Event{}, ErrShortFrame{Got: len(b)}
	}

	ev := &DataEvent{Common: common}
	ev.PID = binary.NativeEndian.Uint32(b[off : off+4])
	off += 4
	ev.Time = binary.NativeEndian.Uint64(b[off : off+8])
	off += 8

	argLen := int(common.Size)
	if argLen > MaxDataSize {
		argLen = MaxDataSize
	}
	if off+argLen > len(b) {
		argLen = len(b) - off
	}
	ev.Arg = append([]byte(nil), b[off:off+argLen]...)

	return Event{Data: ev}, nil
}

// Encode serializes an Event back to wire bytes: ExecveFrameSize for
// execve, FrameSize for exit and clone, and header plus payload for
// data frames. It exists primarily to support round-trip
// testing of the decoder against the exact layouts above.
func Encode(ev Event) ([]byte, error) {
	switch {
	case ev.Execve != nil:
		return encodeExecve(ev.Execve), nil
	case ev.Exit != nil:
		return encodeExit(ev.Exit), nil
	case ev.Clone != nil:
		return encodeClone(ev.Clone), nil
	case ev.Data != nil:
		return encodeData(ev.Data), nil
	case ev.Unknown != nil:
		return append([]byte(nil), ev.Unknown.Raw...), nil
	default:
		return nil, fmt.Errorf("decoder: empty event")
	}
}

func encodeExecve(ev *ExecveEvent) []byte {
	b := make([]byte, ExecveFrameSize)
	off := 0
	ev.Common.encode(b[off:])
	off += msgCommonSize

	encodeMsgK8s(ev.Kube, b[off:])
	off += msgK8sSize

	ev.Parent.encode(b[off:])
	off += msgExecveKeySize

	binary.NativeEndian.PutUint64(b[off:off+8], ev.ParentFlags)
	off += 8

	encodeMsgCred(ev.Creds, b[off:])
	off += msgCredSize

	encodeMsgNamespaces(ev.NS, b[off:])
	off += msgNamespacesSize

	ev.CleanupKey.encode(b[off:])
	off += msgExecveKeySize

	encodeMsgProcess(ev.Process, b[off:])
	off += msgProcessSize

	encodeHeapExe(ev.Exe, b[off:])

	return b
}

func encodeExit(ev *ExitEvent) []byte {
	b := make([]byte, FrameSize)
	off := 0
	ev.Common.encode(b[off:])
	off += msgCommonSize
	ev.Current.encode(b[off:])
	off += msgExecveKeySize
	binary.NativeEndian.PutUint32(b[off:off+4], ev.Info.Code)
	binary.NativeEndian.PutUint32(b[off+4:off+8], ev.Info.TID)
	return b
}

func encodeClone(ev *CloneEvent) []byte {
	b := make([]byte, FrameSize)
	off := 0
	ev.Common.encode(b[off:])
	off += msgCommonSize
	ev.Parent.encode(b[off:])
	off += msgExecveKeySize
	binary.NativeEndian.PutUint32(b[off:off+4], ev.TGID)
	binary.NativeEndian.PutUint32(b[off+4:off+8], ev.TID)
	binary.NativeEndian.PutUint32(b[off+8:off+12], ev.NSPID)
	binary.NativeEndian.PutUint32(b[off+12:off+16], ev.Flags)
	off += 16
	binary.NativeEndian.PutUint64(b[off:off+8], ev.Ktime)
	return b
}

func encodeData(ev *DataEvent) []byte {
	size := len(ev.Arg)
	total := msgCommonSize + 4 + 8 + size
	b := make([]byte, total)
	off := 0
	common := ev.Common
	common.Size = uint32(size)
	common.encode(b[off:])
	off += msgCommonSize
	binary.NativeEndian.PutUint32(b[off:off+4], ev.PID)
	off += 4
	binary.NativeEndian.PutUint64(b[off:off+8], ev.Time)
	off += 8
	copy(b[off:], ev.Arg)
	return b
}

func encodeMsgK8s(k MsgK8s, b []byte) {
	binary.NativeEndian.PutUint32(b[0:4], k.NetNS)
	binary.NativeEndian.PutUint32(b[4:8], k.CID)
	binary.NativeEndian.PutUint64(b[8:16], k.CgrpID)
	copy(b[16:16+128], k.DockerID[:])
}

func encodeMsgCred(c MsgCred, b []byte) {
	binary.NativeEndian.PutUint32(b[0:4], c.UID)
	binary.NativeEndian.PutUint32(b[4:8], c.GID)
	binary.NativeEndian.PutUint32(b[8:12], c.SUID)
	binary.NativeEndian.PutUint32(b[12:16], c.SGID)
	binary.NativeEndian.PutUint32(b[16:20], c.EUID)
	binary.NativeEndian.PutUint32(b[20:24], c.EGID)
	binary.NativeEndian.PutUint32(b[24:28], c.FSUID)
	binary.NativeEndian.PutUint32(b[28:32], c.FSGID)
	binary.NativeEndian.PutUint32(b[32:36], c.SecureBits)
	binary.NativeEndian.PutUint32(b[36:40], c.Pad)
	binary.NativeEndian.PutUint64(b[40:48], c.Caps.Permitted)
	binary.NativeEndian.PutUint64(b[48:56], c.Caps.Effective)
	binary.NativeEndian.PutUint64(b[56:64], c.Caps.Inheritable)
}

func encodeMsgNamespaces(n MsgNamespaces, b []byte) {
	vals := [10]uint32{n.UTS, n.IPC, n.Mount, n.PID, n.PIDForChildren, n.Net, n.Time, n.TimeForChildren, n.Cgroup, n.User}
	for i, v := range vals {
		binary.NativeEndian.PutUint32(b[i*4:i*4+4], v)
	}
}

func encodeMsgProcess(p MsgProcess, b []byte) {
	binary.NativeEndian.PutUint32(b[0:4], p.Size)
	binary.NativeEndian.PutUint32(b[4:8], p.PID)
	binary.NativeEndian.PutUint32(b[8:12], p.TID)
	binary.NativeEndian.PutUint32(b[12:16], p.NSPID)
	binary.NativeEndian.PutUint32(b[16:20], p.SecureExec)
	binary.NativeEndian.PutUint32(b[20:24], p.UID)
	binary.NativeEndian.PutUint32(b[24:28], p.AUID)
	binary.NativeEndian.PutUint32(b[28:32], p.Flags)
	binary.NativeEndian.PutUint32(b[32:36], p.INlink)
	binary.NativeEndian.PutUint32(b[36:40], p.Pad)
	binary.NativeEndian.PutUint64(b[40:48], p.IIno)
	binary.NativeEndian.PutUint64(b[48:56], p.Ktime)
}

func encodeHeapExe(h HeapExe, b []byte) {
	copy(b[0:256], h.Filename[:])
	copy(b[256:256+512], h.Args[:])
}
