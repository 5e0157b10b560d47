// Copyright 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

package bootstrap

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/procgraph/agent/internal/decoder"
)

// readCapabilities parses the Cap{Prm,Eff,Inh} hex fields out of
// /proc/<pid>/status. These aren't exposed as typed fields by every
// procfs release this repository might build against, so they're read
// directly rather than risked against an uncertain library surface.
func readCapabilities(pid int) (decoder.MsgCapabilities, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return decoder.MsgCapabilities{}, err
	}
	defer f.Close()

	var caps decoder.MsgCapabilities
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "CapPrm:"):
			caps.Permitted = parseHexField(line)
		case strings.HasPrefix(line, "CapEff:"):
			caps.Effective = parseHexField(line)
		case strings.HasPrefix(line, "CapInh:"):
			caps.Inheritable = parseHexField(line)
		}
	}
	return caps, scanner.Err()
}

func parseHexField(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return 0
	}
	v, err := strconv.ParseUint(fields[1], 16, 64)
	if err != nil {
		return 0
	}
	return v
}
