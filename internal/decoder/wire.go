// Copyright 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package decoder turns raw ring-buffer frames into typed process
// lifecycle events. The struct layouts mirror the kernel side's
// #[repr(C)] packing byte for byte; nothing here uses reflection.
package decoder

import "encoding/binary"

// Op identifies the kind of message carried by a frame.
type Op uint8

// Wire op codes. Decode parses execve, exit, clone and data frames;
// every other op, listed here or not, decodes to an UnknownEvent that
// keeps the raw op and is dropped by the caller, never treated as fatal.
const (
	OpExecve             Op = 5
	OpExit               Op = 7
	OpGenericKprobe      Op = 13
	OpGenericTracepoint  Op = 14
	OpGenericUprobe      Op = 15
	OpClone              Op = 23
	OpData               Op = 24
	OpCgroup             Op = 25
	OpLoader             Op = 26
	OpUnknown            Op = 0xff
)

// FrameSize is the size in bytes of a fixed control frame for the
// small ops (exit, clone). Execve frames carry the inline filename and
// argument buffers and are correspondingly larger; see ExecveFrameSize.
const FrameSize = 904

// MaxDataSize is the largest payload an OpData continuation frame may
// carry (argument/filename overflow beyond what fits in a control frame).
const MaxDataSize = 32736

// Event flag bits, carried in MsgCommon.Flags and MsgProcess.Flags.
// The full set is retained even though only a subset is exercised by
// decode logic today; they are part of the wire contract a future
// probe may set.
const (
	EventExecve              uint64 = 0x01
	EventExecveAt            uint64 = 0x02
	EventProcFS              uint64 = 0x04
	EventTruncFilename       uint64 = 0x08
	EventTruncArgs           uint64 = 0x10
	EventTaskWalk            uint64 = 0x20
	EventMiss                uint64 = 0x40
	EventNeedsAUID           uint64 = 0x80
	EventErrorFilename       uint64 = 0x100
	EventErrorArgs           uint64 = 0x200
	EventNeedsCWD            uint64 = 0x400
	EventNoCWDSupport        uint64 = 0x800
	EventRootCWD             uint64 = 0x1000
	EventErrorCWD            uint64 = 0x2000
	EventClone               uint64 = 0x4000
	EventErrorCgroupName     uint64 = 0x8000
	EventErrorCgroupKn       uint64 = 0x10000
	EventErrorCgroupSubsys   uint64 = 0x40000
	EventErrorCgroupID       uint64 = 0x100000
	EventErrorPathComponents uint64 = 0x200000
	EventDataFilename        uint64 = 0x800000
	EventDataArgs            uint64 = 0x1000000
)

// MsgCommon is the 16 byte header present on every control frame.
type MsgCommon struct {
	Op    uint8
	Flags uint8
	Pad   [2]uint8
	Size  uint32
	Ktime uint64
}

const msgCommonSize = 16

func decodeMsgCommon(b []byte) MsgCommon {
	return MsgCommon{
		Op:    b[0],
		Flags: b[1],
		Pad:   [2]uint8{b[2], b[3]},
		Size:  binary.NativeEndian.Uint32(b[4:8]),
		Ktime: binary.NativeEndian.Uint64(b[8:16]),
	}
}

func (m MsgCommon) encode(b []byte) {
	b[0] = m.Op
	b[1] = m.Flags
	b[2], b[3] = m.Pad[0], m.Pad[1]
	binary.NativeEndian.PutUint32(b[4:8], m.Size)
	binary.NativeEndian.PutUint64(b[8:16], m.Ktime)
}

// MsgExecveKey identifies a process at a point in time: pid plus the
// ktime it was created, which together form the basis of an exec-id.
type MsgExecveKey struct {
	PID   uint32
	Pad   uint32
	Ktime uint64
}

const msgExecveKeySize = 16

func decodeMsgExecveKey(b []byte) MsgExecveKey {
	return MsgExecveKey{
		PID:   binary.NativeEndian.Uint32(b[0:4]),
		Pad:   binary.NativeEndian.Uint32(b[4:8]),
		Ktime: binary.NativeEndian.Uint64(b[8:16]),
	}
}

func (k MsgExecveKey) encode(b []byte) {
	binary.NativeEndian.PutUint32(b[0:4], k.PID)
	binary.NativeEndian.PutUint32(b[4:8], k.Pad)
	binary.NativeEndian.PutUint64(b[8:16], k.Ktime)
}

// MsgK8s carries the raw cgroup/container identity the kernel side saw
// at exec time, ahead of any user-space pod correlation.
type MsgK8s struct {
	NetNS    uint32
	CID      uint32
	CgrpID   uint64
	DockerID [128]byte
}

const msgK8sSize = 4 + 4 + 8 + 128

func decodeMsgK8s(b []byte) MsgK8s {
	var k MsgK8s
	k.NetNS = binary.NativeEndian.Uint32(b[0:4])
	k.CID = binary.NativeEndian.Uint32(b[4:8])
	k.CgrpID = binary.NativeEndian.Uint64(b[8:16])
	copy(k.DockerID[:], b[16:16+128])
	return k
}

// MsgCred holds the credential set latched at exec time.
type MsgCred struct {
	UID, GID, SUID, SGID     uint32
	EUID, EGID, FSUID, FSGID uint32
	SecureBits               uint32
	Pad                      uint32
	Caps                     MsgCapabilities
}

// MsgCapabilities is the three capability sets (permitted, effective,
// inheritable), each a 64 bit mask.
type MsgCapabilities struct {
	Permitted, Effective, Inheritable uint64
}

const msgCredSize = 4*10 + 8*3

func decodeMsgCred(b []byte) MsgCred {
	var c MsgCred
	c.UID = binary.NativeEndian.Uint32(b[0:4])
	c.GID = binary.NativeEndian.Uint32(b[4:8])
	c.SUID = binary.NativeEndian.Uint32(b[8:12])
	c.SGID = binary.NativeEndian.Uint32(b[12:16])
	c.EUID = binary.NativeEndian.Uint32(b[16:20])
	c.EGID = binary.NativeEndian.Uint32(b[20:24])
	c.FSUID = binary.NativeEndian.Uint32(b[24:28])
	c.FSGID = binary.NativeEndian.Uint32(b[28:32])
	c.SecureBits = binary.NativeEndian.Uint32(b[32:36])
	c.Pad = binary.NativeEndian.Uint32(b[36:40])
	c.Caps.Permitted = binary.NativeEndian.Uint64(b[40:48])
	c.Caps.Effective = binary.NativeEndian.Uint64(b[48:56])
	c.Caps.Inheritable = binary.NativeEndian.Uint64(b[56:64])
	return c
}

// MsgNamespaces records the inode number of every namespace the
// process belonged to at exec time.
type MsgNamespaces struct {
	UTS, IPC, Mount, PID, PIDForChildren uint32
	Net, Time, TimeForChildren, Cgroup   uint32
	User                                 uint32
}

const msgNamespacesSize = 4 * 10

func decodeMsgNamespaces(b []byte) MsgNamespaces {
	var n MsgNamespaces
	vals := [10]*uint32{&n.UTS, &n.IPC, &n.Mount, &n.PID, &n.PIDForChildren, &n.Net, &n.Time, &n.TimeForChildren, &n.Cgroup, &n.User}
	for i, v := range vals {
		*v = binary.NativeEndian.Uint32(b[i*4 : i*4+4])
	}
	return n
}

// MsgProcess is the fixed-size portion of a process record; the
// variable-length argument/cwd tail lives in HeapExe.Args.
type MsgProcess struct {
	Size       uint32
	PID        uint32
	TID        uint32
	NSPID      uint32
	SecureExec uint32
	UID        uint32
	AUID       uint32
	Flags      uint32
	INlink     uint32
	Pad        uint32
	IIno       uint64
	Ktime      uint64
}

const msgProcessSize = 4*10 + 8*2

func decodeMsgProcess(b []byte) MsgProcess {
	var p MsgProcess
	p.Size = binary.NativeEndian.Uint32(b[0:4])
	p.PID = binary.NativeEndian.Uint32(b[4:8])
	p.TID = binary.NativeEndian.Uint32(b[8:12])
	p.NSPID = binary.NativeEndian.Uint32(b[12:16])
	p.SecureExec = binary.NativeEndian.Uint32(b[16:20])
	p.UID = binary.NativeEndian.Uint32(b[20:24])
	p.AUID = binary.NativeEndian.Uint32(b[24:28])
	p.Flags = binary.NativeEndian.Uint32(b[28:32])
	p.INlink = binary.NativeEndian.Uint32(b[32:36])
	p.Pad = binary.NativeEndian.Uint32(b[36:40])
	p.IIno = binary.NativeEndian.Uint64(b[40:48])
	p.Ktime = binary.NativeEndian.Uint64(b[48:56])
	return p
}

// HeapExe carries the NUL-terminated filename and the argument/cwd
// tail, encoded as consecutive NUL-separated strings.
type HeapExe struct {
	Filename [256]byte
	Args     [512]byte
}

const heapExeSize = 256 + 512

func decodeHeapExe(b []byte) HeapExe {
	var h HeapExe
	copy(h.Filename[:], b[0:256])
	copy(h.Args[:], b[256:256+512])
	return h
}

// ExecveFrameSize is the size in bytes of an execve control frame:
// the fixed event header plus the inline HeapExe buffers.
const ExecveFrameSize = msgCommonSize + msgK8sSize + msgExecveKeySize + 8 +
	msgCredSize + msgNamespacesSize + msgExecveKeySize + msgProcessSize + heapExeSize

// ExecveEvent is the decoded form of an OpExecve frame.
type ExecveEvent struct {
	Common      MsgCommon
	Kube        MsgK8s
	Parent      MsgExecveKey
	ParentFlags uint64
	Creds       MsgCred
	NS          MsgNamespaces
	CleanupKey  MsgExecveKey
	Process     MsgProcess
	Exe         HeapExe
}

// ExitInfo carries a process's exit code alongside the reporting tid.
type ExitInfo struct {
	Code uint32
	TID  uint32
}

// ExitEvent is the decoded form of an OpExit frame.
type ExitEvent struct {
	Common  MsgCommon
	Current MsgExecveKey
	Info    ExitInfo
}

// CloneEvent is the decoded form of an OpClone frame.
type CloneEvent struct {
	Common MsgCommon
	Parent MsgExecveKey
	TGID   uint32
	TID    uint32
	NSPID  uint32
	Flags  uint32
	Ktime  uint64
}

// DataEvent is an OpData continuation frame carrying argument or
// filename overflow that did not fit in a control frame.
type DataEvent struct {
	Common MsgCommon
	PID    uint32
	Time   uint64
	Arg    []byte
}

// UnknownEvent is returned for any recognized-but-unhandled or
// entirely unrecognized op code; it is never treated as a decode
// error, only dropped by the caller with a counter increment.
type UnknownEvent struct {
	Common MsgCommon
	Raw    []byte
}

// Event is the tagged union returned by Decode. Exactly one of the
// concrete fields is non-nil.
type Event struct {
	Execve  *ExecveEvent
	Exit    *ExitEvent
	Clone   *CloneEvent
	Data    *DataEvent
	Unknown *UnknownEvent
}
