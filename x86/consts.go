package x86

import (
	"github.com/tetratelabs/asmkit"
)

// Instruction ids of the encoded subset. The conditional jumps and JMP form
// the contiguous jump range [JO, JMP] used to classify branch instructions.
const (
	NONE asmkit.InstID = iota
	ADD
	AND
	CALL
	CMP
	DEC
	IMUL
	INC
	LEA
	MOV
	NEG
	NOP
	NOT
	OR
	POP
	PUSH
	RET
	SUB
	TEST
	UD2
	XCHG
	XOR
	JO
	JNO
	JB
	JAE
	JE
	JNE
	JBE
	JA
	JS
	JNS
	JP
	JNP
	JL
	JGE
	JLE
	JG
	JMP
)

const (
	jumpBegin = JO
	jumpEnd   = JMP + 1
)

var instructionNames = [...]string{
	NONE: "NONE",
	ADD:  "ADD",
	AND:  "AND",
	CALL: "CALL",
	CMP:  "CMP",
	DEC:  "DEC",
	IMUL: "IMUL",
	INC:  "INC",
	LEA:  "LEA",
	MOV:  "MOV",
	NEG:  "NEG",
	NOP:  "NOP",
	NOT:  "NOT",
	OR:   "OR",
	POP:  "POP",
	PUSH: "PUSH",
	RET:  "RET",
	SUB:  "SUB",
	TEST: "TEST",
	UD2:  "UD2",
	XCHG: "XCHG",
	XOR:  "XOR",
	JO:   "JO",
	JNO:  "JNO",
	JB:   "JB",
	JAE:  "JAE",
	JE:   "JE",
	JNE:  "JNE",
	JBE:  "JBE",
	JA:   "JA",
	JS:   "JS",
	JNS:  "JNS",
	JP:   "JP",
	JNP:  "JNP",
	JL:   "JL",
	JGE:  "JGE",
	JLE:  "JLE",
	JG:   "JG",
	JMP:  "JMP",
}

// InstructionName returns the mnemonic of id, "UNKNOWN" otherwise.
func InstructionName(id asmkit.InstID) string {
	if int(id) < len(instructionNames) {
		return instructionNames[id]
	}
	return "UNKNOWN"
}

// Physical GP register ids follow the ISA encoding.
const (
	RegIDAx uint32 = iota
	RegIDCx
	RegIDDx
	RegIDBx
	RegIDSp
	RegIDBp
	RegIDSi
	RegIDDi
	RegIDR8
	RegIDR9
	RegIDR10
	RegIDR11
	RegIDR12
	RegIDR13
	RegIDR14
	RegIDR15
)

// Gpd returns a 32-bit GP register operand.
func Gpd(id uint32) asmkit.Operand { return asmkit.NewReg(id, 4) }

// Gpq returns a 64-bit GP register operand.
func Gpq(id uint32) asmkit.Operand { return asmkit.NewReg(id, 8) }

// 32-bit register operands.
var (
	EAX = Gpd(RegIDAx)
	ECX = Gpd(RegIDCx)
	EDX = Gpd(RegIDDx)
	EBX = Gpd(RegIDBx)
	ESP = Gpd(RegIDSp)
	EBP = Gpd(RegIDBp)
	ESI = Gpd(RegIDSi)
	EDI = Gpd(RegIDDi)
)

// 64-bit register operands.
var (
	RAX = Gpq(RegIDAx)
	RCX = Gpq(RegIDCx)
	RDX = Gpq(RegIDDx)
	RBX = Gpq(RegIDBx)
	RSP = Gpq(RegIDSp)
	RBP = Gpq(RegIDBp)
	RSI = Gpq(RegIDSi)
	RDI = Gpq(RegIDDi)
	R8  = Gpq(RegIDR8)
	R9  = Gpq(RegIDR9)
	R10 = Gpq(RegIDR10)
	R11 = Gpq(RegIDR11)
	R12 = Gpq(RegIDR12)
	R13 = Gpq(RegIDR13)
	R14 = Gpq(RegIDR14)
	R15 = Gpq(RegIDR15)
)

var gpdNames = [...]string{
	"EAX", "ECX", "EDX", "EBX", "ESP", "EBP", "ESI", "EDI",
	"R8D", "R9D", "R10D", "R11D", "R12D", "R13D", "R14D", "R15D",
}

var gpqNames = [...]string{
	"RAX", "RCX", "RDX", "RBX", "RSP", "RBP", "RSI", "RDI",
	"R8", "R9", "R10", "R11", "R12", "R13", "R14", "R15",
}

// RegisterName returns the register name for the given id and size.
func RegisterName(id uint32, size uint8) string {
	if id >= 16 {
		return "R?"
	}
	if size == 8 {
		return gpqNames[id]
	}
	return gpdNames[id]
}

// Ptr returns a memory operand addressing base+disp.
func Ptr(base asmkit.Operand, disp int64) asmkit.Operand {
	return asmkit.NewMem(base.Reg(), disp)
}

// PtrIndex returns a memory operand addressing base+index*scale+disp.
func PtrIndex(base, index asmkit.Operand, scale uint8, disp int64) asmkit.Operand {
	return asmkit.NewMemIndex(base.Reg(), index.Reg(), scale, disp)
}

func init() {
	traits := &asmkit.ArchTraits{
		JumpBegin:   jumpBegin,
		JumpEnd:     jumpEnd,
		Jmp:         JMP,
		Call:        CALL,
		TakenOption: asmkit.OptionTaken,
		Validate:    Validate,
		NewAssembler: func(code *asmkit.CodeHolder) (asmkit.Emitter, error) {
			return NewAssembler(code)
		},
	}
	asmkit.RegisterArch(asmkit.ArchX86, traits)
	asmkit.RegisterArch(asmkit.ArchX64, traits)
}
