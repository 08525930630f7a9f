package asmkit

// ArchType identifies a target architecture.
type ArchType uint8

const (
	ArchNone ArchType = iota
	ArchX86
	ArchX64
)

// String implements fmt.Stringer.
func (a ArchType) String() (ret string) {
	switch a {
	case ArchX86:
		ret = "x86"
	case ArchX64:
		ret = "x64"
	default:
		ret = "none"
	}
	return
}

// ArchInfo describes the register file of an architecture.
type ArchInfo struct {
	Type    ArchType
	Mode    uint8
	GpSize  uint8 // size of a GP register in bytes
	GpCount uint8
}

const (
	// NoBaseAddress means the code has no known base address yet; it must be
	// supplied to CodeHolder.Relocate.
	NoBaseAddress uint64 = ^uint64(0)
)

// CodeInfo is the immutable-after-init descriptor shared by a CodeHolder and
// all emitters attached to it. Two holders target the same code model iff
// their CodeInfo values compare equal.
type CodeInfo struct {
	Arch           ArchInfo
	StackAlignment uint8
	CdeclCallConv  CallConvID
	StdCallConv    CallConvID
	FastCallConv   CallConvID
	BaseAddress    uint64
}

// NewCodeInfo returns the CodeInfo describing the given architecture with
// its natural stack alignment and default calling conventions.
func NewCodeInfo(arch ArchType) CodeInfo {
	info := CodeInfo{BaseAddress: NoBaseAddress}
	switch arch {
	case ArchX86:
		info.Arch = ArchInfo{Type: ArchX86, GpSize: 4, GpCount: 8}
		info.StackAlignment = 4
		info.CdeclCallConv = CallConvCDecl
		info.StdCallConv = CallConvStdCall
		info.FastCallConv = CallConvFastCall
	case ArchX64:
		info.Arch = ArchInfo{Type: ArchX64, GpSize: 8, GpCount: 16}
		info.StackAlignment = 16
		info.CdeclCallConv = CallConvX64SysV
		info.StdCallConv = CallConvX64SysV
		info.FastCallConv = CallConvX64SysV
	}
	return info
}

// IsInitialized reports whether the CodeInfo describes a real architecture.
func (ci CodeInfo) IsInitialized() bool { return ci.Arch.Type != ArchNone }

// HasBaseAddress reports whether a static base address is set.
func (ci CodeInfo) HasBaseAddress() bool { return ci.BaseAddress != NoBaseAddress }

// ValidateFunc is the ISA validator consulted under strict validation.
// extra carries the op-mask operand when present.
type ValidateFunc func(arch ArchType, instID InstID, options Options, extra Operand, ops []Operand) error

// ArchTraits is what the architecture-independent layers need to know about
// an instruction set: how to recognize jumps, how to validate, and how to
// construct a direct encoder. Architecture packages register their traits
// from an init function.
type ArchTraits struct {
	// JumpBegin and JumpEnd delimit the id range [JumpBegin, JumpEnd) of
	// jump instructions, with Jmp the unconditional one.
	JumpBegin, JumpEnd InstID
	Jmp                InstID
	// Call is the id of the call instruction, recorded on call-site nodes.
	Call InstID
	// TakenOption is the instruction option marking a conditional jump as
	// predicted-taken.
	TakenOption Options

	Validate ValidateFunc
	// NewAssembler constructs and attaches a direct encoder, used by
	// Compiler.Finalize when the holder has none.
	NewAssembler func(code *CodeHolder) (Emitter, error)
}

var archTraits [8]*ArchTraits

// RegisterArch registers traits for arch. It is intended to be called from
// an architecture package's init function.
func RegisterArch(arch ArchType, traits *ArchTraits) {
	archTraits[arch] = traits
}

// TraitsOf returns the registered traits of arch, or nil.
func TraitsOf(arch ArchType) *ArchTraits {
	if int(arch) < len(archTraits) {
		return archTraits[arch]
	}
	return nil
}
