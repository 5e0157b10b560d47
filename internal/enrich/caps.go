// Copyright 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

package enrich

import (
	"github.com/procgraph/agent/internal/api"
	"github.com/procgraph/agent/internal/decoder"
)

// Execve secure-exec flags, carried in MsgProcess.SecureExec.
const (
	ExecveSetuid   uint32 = 0x01
	ExecveSetgid   uint32 = 0x02
	ExecveFileCaps uint32 = 0x04
)

// Linux securebits, see include/uapi/linux/securebits.h.
const (
	secbitNoRoot                   uint32 = 0x01
	secbitNoRootLocked             uint32 = 0x02
	secbitNoSetuidFixup            uint32 = 0x04
	secbitNoSetuidFixupLocked      uint32 = 0x08
	secbitKeepCaps                 uint32 = 0x10
	secbitKeepCapsLocked           uint32 = 0x20
	secbitNoCapAmbientRaise        uint32 = 0x40
	secbitNoCapAmbientRaiseLocked  uint32 = 0x80
)

// capabilityIndices projects a 64 bit capability mask into the sorted
// list of capability bit indices (0..63) it contains.
func capabilityIndices(mask uint64) []uint32 {
	var caps []uint32
	for i := uint32(0); i < 64; i++ {
		if mask&(1<<i) != 0 {
			caps = append(caps, i)
		}
	}
	return caps
}

func capabilitiesFromWire(c decoder.MsgCapabilities) *api.Capabilities {
	return &api.Capabilities{
		Permitted:   capabilityIndices(c.Permitted),
		Effective:   capabilityIndices(c.Effective),
		Inheritable: capabilityIndices(c.Inheritable),
	}
}

var secureBitNames = []struct {
	bit  uint32
	name string
}{
	{secbitNoRoot, "SECBIT_NOROOT"},
	{secbitNoRootLocked, "SECBIT_NOROOT_LOCKED"},
	{secbitNoSetuidFixup, "SECBIT_NO_SETUID_FIXUP"},
	{secbitNoSetuidFixupLocked, "SECBIT_NO_SETUID_FIXUP_LOCKED"},
	{secbitKeepCaps, "SECBIT_KEEP_CAPS"},
	{secbitKeepCapsLocked, "SECBIT_KEEP_CAPS_LOCKED"},
	{secbitNoCapAmbientRaise, "SECBIT_NO_CAP_AMBIENT_RAISE"},
	{secbitNoCapAmbientRaiseLocked, "SECBIT_NO_CAP_AMBIENT_RAISE_LOCKED"},
}

func secureBitsList(bits uint32) []string {
	if bits == 0 {
		return nil
	}
	var out []string
	for _, sb := range secureBitNames {
		if bits&sb.bit != 0 {
			out = append(out, sb.name)
		}
	}
	return out
}

var privilegesChangedNames = []struct {
	bit  uint32
	name string
}{
	{ExecveSetuid, "PRIVILEGES_RAISED_EXEC_FILE_SETUID"},
	{ExecveSetgid, "PRIVILEGES_RAISED_EXEC_FILE_SETGID"},
	{ExecveFileCaps, "PRIVILEGES_RAISED_EXEC_FILE_CAP"},
}

func privilegesChangedReasons(secureExec uint32) []string {
	if secureExec == 0 {
		return nil
	}
	var out []string
	for _, r := range privilegesChangedNames {
		if secureExec&r.bit != 0 {
			out = append(out, r.name)
		}
	}
	return out
}
