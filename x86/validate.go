package x86

import (
	"fmt"

	"github.com/tetratelabs/asmkit"
)

// Operand-kind masks used by the signature table.
const (
	kNone  byte = 0
	kReg   byte = 1 << 0
	kMem   byte = 1 << 1
	kImm   byte = 1 << 2
	kLabel byte = 1 << 3
)

func kindOf(op asmkit.Operand) byte {
	switch op.Type() {
	case asmkit.OpReg:
		return kReg
	case asmkit.OpMem:
		return kMem
	case asmkit.OpImm:
		return kImm
	case asmkit.OpLabel:
		return kLabel
	default:
		return kNone
	}
}

// signature lists the allowed operand kinds per slot; a zero mask means the
// slot must be empty.
type signature [2]byte

var signatures = map[asmkit.InstID][]signature{
	ADD:  group1Signatures,
	AND:  group1Signatures,
	OR:   group1Signatures,
	SUB:  group1Signatures,
	XOR:  group1Signatures,
	CMP:  group1Signatures,
	MOV:  {{kReg, kReg | kMem | kImm | kLabel}, {kMem, kReg | kImm}},
	TEST: {{kReg | kMem, kReg}},
	XCHG: {{kReg | kMem, kReg}},
	IMUL: {{kReg, kReg | kMem}},
	LEA:  {{kReg, kMem}},
	INC:  {{kReg | kMem, kNone}},
	DEC:  {{kReg | kMem, kNone}},
	NOT:  {{kReg | kMem, kNone}},
	NEG:  {{kReg | kMem, kNone}},
	PUSH: {{kReg | kMem | kImm, kNone}},
	POP:  {{kReg | kMem, kNone}},
	NOP:  {{kNone, kNone}},
	RET:  {{kNone, kNone}},
	UD2:  {{kNone, kNone}},
	CALL: {{kReg | kMem | kImm | kLabel, kNone}},
	JMP:  {{kReg | kMem | kImm | kLabel, kNone}},
}

var group1Signatures = []signature{
	{kReg, kReg | kMem | kImm},
	{kMem, kReg | kImm},
}

var jccSignature = []signature{{kLabel, kNone}}

// Validate is the ISA validator consumed by strict validation: it rejects
// unknown instruction ids, malformed operand combinations, and registers
// the architecture does not have. Virtual registers pass unchecked; they
// are rewritten before encoding.
func Validate(arch asmkit.ArchType, instID asmkit.InstID, options asmkit.Options, extra asmkit.Operand, ops []asmkit.Operand) error {
	if arch != asmkit.ArchX86 && arch != asmkit.ArchX64 {
		return asmkit.ErrInvalidArch
	}
	if instID == NONE || int(instID) >= len(instructionNames) {
		return fmt.Errorf("%w: id %d", asmkit.ErrInvalidInstruction, instID)
	}

	sigs, ok := signatures[instID]
	if !ok {
		if instID >= jumpBegin && instID < jumpEnd {
			sigs = jccSignature
		} else {
			return fmt.Errorf("%w: id %d", asmkit.ErrInvalidInstruction, instID)
		}
	}

	if len(ops) > 2 {
		return fmt.Errorf("%w: %s takes at most 2 operands, got %d",
			asmkit.ErrInvalidOperand, InstructionName(instID), len(ops))
	}
	var kinds [2]byte
	for i, op := range ops {
		kinds[i] = kindOf(op)
	}

	matched := false
	for _, sig := range sigs {
		if kindMatches(sig[0], kinds[0]) && kindMatches(sig[1], kinds[1]) {
			matched = true
			break
		}
	}
	if !matched {
		return fmt.Errorf("%w: %s does not accept (%s, %s)",
			asmkit.ErrInvalidOperand, InstructionName(instID), opKindName(kinds[0]), opKindName(kinds[1]))
	}

	for _, op := range ops {
		if err := validateRegs(arch, op); err != nil {
			return err
		}
	}
	return nil
}

func kindMatches(allowed, got byte) bool {
	if got == kNone {
		return allowed == kNone
	}
	return allowed&got != 0
}

func opKindName(k byte) string {
	switch k {
	case kReg:
		return "reg"
	case kMem:
		return "mem"
	case kImm:
		return "imm"
	case kLabel:
		return "label"
	default:
		return "none"
	}
}

func validateRegs(arch asmkit.ArchType, op asmkit.Operand) error {
	check := func(id uint32, size uint8) error {
		if asmkit.IsPackedID(id) {
			// Virtual register; the allocation pass resolves it.
			return nil
		}
		switch arch {
		case asmkit.ArchX86:
			if id >= 8 {
				return fmt.Errorf("%w: register id %d not addressable in 32-bit mode", asmkit.ErrInvalidOperand, id)
			}
			if size == 8 {
				return fmt.Errorf("%w: 64-bit register in 32-bit mode", asmkit.ErrInvalidOperand)
			}
		default:
			if id >= 16 {
				return fmt.Errorf("%w: register id %d out of range", asmkit.ErrInvalidOperand, id)
			}
		}
		return nil
	}

	switch op.Type() {
	case asmkit.OpReg:
		return check(op.Reg(), op.Size())
	case asmkit.OpMem:
		if !op.HasLabelBase() && op.MemBase() != asmkit.InvalidID {
			if err := check(op.MemBase(), 0); err != nil {
				return err
			}
		}
		if index := op.MemIndex(); index != asmkit.InvalidID {
			if err := check(index, 0); err != nil {
				return err
			}
			switch op.MemScale() {
			case 0, 1, 2, 4, 8:
			default:
				return fmt.Errorf("%w: scale %d", asmkit.ErrInvalidOperand, op.MemScale())
			}
		}
	}
	return nil
}
