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

// Package svm contains the AMD-V (SVM) hardware definitions used by the VMM:
// the virtual machine control block, its clean bits, exit codes and the
// architectural register bits the VMM interprets.
package svm

// Segment is a VMCB segment descriptor.
type Segment struct {
	Selector uint16
	Attrib   uint16
	Limit    uint32
	Base     uint64
}

// ControlArea is the VMCB control area.
type ControlArea struct {
	InterceptCRRead     uint16
	InterceptCRWrite    uint16
	InterceptDRRead     uint16
	InterceptDRWrite    uint16
	InterceptExceptions uint32
	Intercepts          uint64
	PauseFilterCount    uint16
	IOPMBase            uint64
	MSRPMBase           uint64
	TSCOffset           uint64
	ASID                uint32
	TLBCtl              uint8
	IntCtl              uint32
	IntVector           uint32
	IntState            uint32
	ExitCode            uint64
	ExitInfo1           uint64
	ExitInfo2           uint64
	ExitIntInfo         uint32
	NestedCtl           uint64
	EventInj            uint32
	EventInjErr         uint32
	NCR3                uint64
	VirtExt             uint64
	AVICBackingPage     uint64
	Clean               uint32
	NextRIP             uint64
	InsnLen             uint8
	InsnBytes           [15]byte
}

// SaveArea is the VMCB state save area.
type SaveArea struct {
	ES, CS, SS, DS, FS, GS Segment
	GDTR, LDTR, IDTR, TR   Segment
	CPL                    uint8
	EFER                   uint64
	CR4                    uint64
	CR3                    uint64
	CR0                    uint64
	DR7                    uint64
	DR6                    uint64
	RFLAGS                 uint64
	RIP                    uint64
	RSP                    uint64
	RAX                    uint64
	CR2                    uint64
	GPAT                   uint64
	DebugCtl               uint64
}

// VMCB is a virtual machine control block.
type VMCB struct {
	Control ControlArea
	Save    SaveArea
}

// Clean-bit sections of the VMCB in hardware bit order. A set bit in
// ControlArea.Clean tells the processor the section is unchanged since the
// last VMRUN on this VMCB.
const (
	SectionIntercepts = iota // Intercept vectors, TSC offset, pause filter count.
	SectionPermMap           // IOPM and MSRPM bases.
	SectionASID
	SectionIntr // int_ctl, int_vector.
	SectionNPT  // np_enable, nCR3, gPAT.
	SectionCR   // CR0, CR3, CR4, EFER.
	SectionDR   // DR6, DR7.
	SectionDT   // GDT, IDT.
	SectionSeg  // CS, DS, SS, ES, CPL.
	SectionCR2
	SectionLBR
	SectionAVIC
	NumSections
)

// Section masks.
const (
	CleanIntercepts uint32 = 1 << SectionIntercepts
	CleanPermMap    uint32 = 1 << SectionPermMap
	CleanASID       uint32 = 1 << SectionASID
	CleanIntr       uint32 = 1 << SectionIntr
	CleanNPT        uint32 = 1 << SectionNPT
	CleanCR         uint32 = 1 << SectionCR
	CleanDR         uint32 = 1 << SectionDR
	CleanDT         uint32 = 1 << SectionDT
	CleanSeg        uint32 = 1 << SectionSeg
	CleanCR2        uint32 = 1 << SectionCR2
	CleanLBR        uint32 = 1 << SectionLBR
	CleanAVIC       uint32 = 1 << SectionAVIC

	// CleanAll has every section bit set.
	CleanAll uint32 = 1<<NumSections - 1

	// AlwaysDirty sections are rewritten on every entry: TPR and CR2 are
	// always written before VMRUN.
	AlwaysDirty = CleanIntr | CleanCR2
)

var sectionNames = [NumSections]string{
	"intercepts", "permmap", "asid", "intr", "npt", "cr",
	"dr", "dt", "seg", "cr2", "lbr", "avic",
}

// SectionName returns the short name of a clean-bit section.
func SectionName(section int) string {
	if section < 0 || section >= NumSections {
		return "unknown"
	}
	return sectionNames[section]
}

// TLB control values.
const (
	TLBCtlDoNothing      = 0
	TLBCtlFlushAll       = 1
	TLBCtlFlushASID      = 3
	TLBCtlFlushASIDLocal = 7
)

// Intercept bits in ControlArea.Intercepts.
const (
	InterceptIntr     = 0
	InterceptNMI      = 1
	InterceptSMI      = 2
	InterceptInit     = 3
	InterceptVIntr    = 4
	InterceptCPUID    = 18
	InterceptIRET     = 20
	InterceptPause    = 23
	InterceptHLT      = 24
	InterceptINVLPG   = 25
	InterceptIOIOProt = 27
	InterceptMSRProt  = 28
	InterceptShutdown = 31
	InterceptVMRUN    = 32
	InterceptVMMCALL  = 33
	InterceptVMLOAD   = 34
	InterceptVMSAVE   = 35
	InterceptSTGI     = 36
	InterceptCLGI     = 37
	InterceptSKINIT   = 38
)

// Exit codes.
const (
	ExitReadCR0  = 0x000
	ExitWriteCR0 = 0x010
	ExitExcpBase = 0x040
	ExitPF       = ExitExcpBase + VectorPF
	ExitIntr     = 0x060
	ExitNMI      = 0x061
	ExitCPUID    = 0x072
	ExitPause    = 0x077
	ExitHLT      = 0x078
	ExitINVLPG   = 0x079
	ExitIOIO     = 0x07b
	ExitMSR      = 0x07c
	ExitShutdown = 0x07f
	ExitVMRUN    = 0x080
	ExitVMMCALL  = 0x081
	ExitNPF      = 0x400
	ExitErr      = ^uint64(0)
)

// Exception vectors.
const (
	VectorUD = 6
	VectorGP = 13
	VectorPF = 14
)

// Page-fault error code bits. For nested page faults the code is delivered
// in ExitInfo1 and the faulting guest-physical address in ExitInfo2.
const (
	PFErrPresent    uint64 = 1 << 0
	PFErrWrite      uint64 = 1 << 1
	PFErrUser       uint64 = 1 << 2
	PFErrReserved   uint64 = 1 << 3
	PFErrFetch      uint64 = 1 << 4
	PFErrPK         uint64 = 1 << 5
	PFErrGuestFinal uint64 = 1 << 32
	PFErrGuestPage  uint64 = 1 << 33
)

// Event injection fields.
const (
	EventInjValid      uint32 = 1 << 31
	EventInjErrValid   uint32 = 1 << 11
	EventInjTypeExcp   uint32 = 3 << 8
	EventInjVectorMask uint32 = 0xff
)

// Interrupt control bits.
const (
	VIntrMask uint32 = 1 << 24
)

// NestedCtl bits.
const (
	NestedCtlNPEnable uint64 = 1 << 0
)

// CR0 bits.
const (
	CR0PE uint64 = 1 << 0
	CR0MP uint64 = 1 << 1
	CR0EM uint64 = 1 << 2
	CR0TS uint64 = 1 << 3
	CR0ET uint64 = 1 << 4
	CR0NE uint64 = 1 << 5
	CR0WP uint64 = 1 << 16
	CR0AM uint64 = 1 << 18
	CR0NW uint64 = 1 << 29
	CR0CD uint64 = 1 << 30
	CR0PG uint64 = 1 << 31

	// CR0SelectiveMask are the bits whose writes do not trigger a selective
	// CR0 intercept.
	CR0SelectiveMask = CR0TS | CR0MP
)

// CR4 bits.
const (
	CR4PSE  uint64 = 1 << 4
	CR4PAE  uint64 = 1 << 5
	CR4PGE  uint64 = 1 << 7
	CR4SMEP uint64 = 1 << 20
	CR4SMAP uint64 = 1 << 21
	CR4PKE  uint64 = 1 << 22
)

// EFER bits.
const (
	EFERSCE  uint64 = 1 << 0
	EFERLME  uint64 = 1 << 8
	EFERLMA  uint64 = 1 << 10
	EFERNXE  uint64 = 1 << 11
	EFERSVME uint64 = 1 << 12
)

// RFLAGS bits.
const (
	RFLAGSReserved uint64 = 1 << 1
	RFLAGSIF       uint64 = 1 << 9
)

// CPUID and MSR constants used to probe for and enable SVM.
const (
	CPUIDExt1Leaf    = 0x80000001
	CPUIDExt1SVMBit  = 2
	CPUIDSVMLeaf     = 0x8000000a
	CPUIDSVMLockBit  = 2
	CPUIDSVMNPBit    = 0
	MSRVMCR          = 0xc0010114
	MSRVMCRSVMDisBit = 4
	MSREFER          = 0xc0000080
	MSRVMHSAVEPA     = 0xc0010117
)

// Segment attribute bits.
const (
	SegAttribPresent uint16 = 1 << 7
	SegAttribS       uint16 = 1 << 4
	SegAttribL       uint16 = 1 << 9
	SegAttribDB      uint16 = 1 << 10
	SegAttribG       uint16 = 1 << 11

	SegTypeLDT        = 2
	SegTypeAvailTSS16 = 3
	SegTypeBusyTSS64  = 11
	SegTypeCodeRead   = 0xa
	SegTypeDataWrite  = 0x2
)
