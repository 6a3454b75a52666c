// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package svm

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// CPUInfoPath is the host CPU description consulted by Supported.
const CPUInfoPath = "/proc/cpuinfo"

// Features are the SVM-related CPU flags advertised by the host.
type Features struct {
	// SVM is set when the processor implements secure virtual machine
	// extensions.
	SVM bool

	// NPT is set when nested page tables are available.
	NPT bool

	// FlushByASID is set when TLB flushes may be limited to one ASID.
	FlushByASID bool

	// VMCBClean is set when the processor honors VMCB clean bits.
	VMCBClean bool

	// NRIPSave is set when NextRIP is saved on intercepts.
	NRIPSave bool
}

// ParseCPUInfo extracts SVM features from the first "flags" line of r, in
// the format of /proc/cpuinfo.
func ParseCPUInfo(r io.Reader) (Features, error) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		key, value, ok := strings.Cut(s.Text(), ":")
		if !ok || strings.TrimSpace(key) != "flags" {
			continue
		}
		var f Features
		for _, flag := range strings.Fields(value) {
			switch flag {
			case "svm":
				f.SVM = true
			case "npt":
				f.NPT = true
			case "flushbyasid":
				f.FlushByASID = true
			case "vmcb_clean":
				f.VMCBClean = true
			case "nrip_save":
				f.NRIPSave = true
			}
		}
		return f, nil
	}
	if err := s.Err(); err != nil {
		return Features{}, fmt.Errorf("reading cpuinfo: %w", err)
	}
	return Features{}, fmt.Errorf("no flags line in cpuinfo")
}

// HostFeatures parses CPUInfoPath.
func HostFeatures() (Features, error) {
	f, err := os.Open(CPUInfoPath)
	if err != nil {
		return Features{}, err
	}
	defer f.Close()
	return ParseCPUInfo(f)
}
