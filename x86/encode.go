package x86

import (
	"fmt"

	"github.com/tetratelabs/asmkit"
)

// group1 covers the classic ALU instructions sharing one encoding family.
var group1 = map[asmkit.InstID]struct {
	base  byte // opcode base; +1 selects the r/m,r form, +3 the r,r/m form
	digit byte // /digit of the immediate form
}{
	ADD: {0x00, 0},
	OR:  {0x08, 1},
	AND: {0x20, 4},
	SUB: {0x28, 5},
	XOR: {0x30, 6},
	CMP: {0x38, 7},
}

// EmitInst implements asmkit.Emitter.EmitInst by encoding the instruction
// into the section buffer. Unresolvable label references are recorded as
// label links or relocation entries.
func (a *Assembler) EmitInst(instID asmkit.InstID, o0, o1, o2, o3 asmkit.Operand) error {
	if err := a.LastError(); err != nil {
		return err
	}
	options := a.Options() | a.GlobalOptions()
	comment := a.InlineComment()

	if options&asmkit.OptionStrictValidation != 0 {
		opCount := 0
		for _, op := range [4]asmkit.Operand{o0, o1, o2, o3} {
			if op.IsNone() {
				break
			}
			opCount++
		}
		if options&asmkit.OptionHasOp4 != 0 {
			opCount = 5
		}
		if options&asmkit.OptionHasOp5 != 0 {
			opCount = 6
		}
		all := [6]asmkit.Operand{o0, o1, o2, o3, a.Op4(), a.Op5()}
		if err := Validate(a.Arch(), instID, options, a.OpMask(), all[:opCount]); err != nil {
			return a.SetLastError(err)
		}
	}

	if err := a.ensure(32); err != nil {
		return a.SetLastError(err)
	}
	start := a.off

	if err := a.encode(instID, options, o0, o1); err != nil {
		a.off = start
		return a.SetLastError(err)
	}

	if comment != "" {
		a.Logf("%s ; %s", InstructionName(instID), comment)
	} else {
		a.Logf("%s", InstructionName(instID))
	}
	a.ResetSidecar()
	return nil
}

func (a *Assembler) encode(instID asmkit.InstID, options asmkit.Options, o0, o1 asmkit.Operand) error {
	if g, ok := group1[instID]; ok {
		return a.encodeGroup1(g.base, g.digit, o0, o1)
	}

	switch instID {
	case MOV:
		return a.encodeMov(o0, o1)
	case TEST:
		return a.encodeMR(0x85, o0, o1)
	case XCHG:
		return a.encodeMR(0x87, o0, o1)
	case IMUL:
		return a.encodeRM0F(0xAF, o0, o1)
	case LEA:
		if !o0.IsReg() || !o1.IsMem() {
			return operandError(instID, o0, o1)
		}
		w := a.width(o0, o1) == 8
		a.emitRexRM(w, o0.Reg(), o1)
		a.emit8(0x8D)
		return a.emitModRMMem(o0.Reg(), o1, 0)
	case INC:
		return a.encodeUnary(0xFF, 0, o0)
	case DEC:
		return a.encodeUnary(0xFF, 1, o0)
	case NOT:
		return a.encodeUnary(0xF7, 2, o0)
	case NEG:
		return a.encodeUnary(0xF7, 3, o0)
	case PUSH:
		return a.encodePushPop(0x50, 6, o0)
	case POP:
		return a.encodePushPop(0x58, 0, o0)
	case NOP:
		a.emit8(0x90)
		return nil
	case RET:
		a.emit8(0xC3)
		return nil
	case UD2:
		a.emit8(0x0F)
		a.emit8(0x0B)
		return nil
	case CALL:
		return a.encodeBranch(0xE8, 2, o0)
	case JMP:
		return a.encodeBranch(0xE9, 4, o0)
	default:
		if instID >= jumpBegin && instID < JMP {
			return a.encodeJcc(instID, options, o0)
		}
		return fmt.Errorf("%w: id %d", asmkit.ErrInvalidInstruction, instID)
	}
}

// width resolves the operand size of an instruction, defaulting to the
// architecture's GP register size.
func (a *Assembler) width(ops ...asmkit.Operand) uint8 {
	var size uint8
	for _, o := range ops {
		if o.Size() > size {
			size = o.Size()
		}
	}
	if size == 0 {
		size = a.CodeInfo().Arch.GpSize
	}
	return size
}

func modRMByte(mod, reg, rm byte) byte { return mod<<6 | reg<<3 | rm }
func sibByte(scale, index, base byte) byte {
	return scale<<6 | index<<3 | base
}

func scaleLog(s uint8) byte {
	switch s {
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	default:
		return 0
	}
}

func (a *Assembler) emitRexRR(w bool, reg, rm uint32) {
	if !a.is64() {
		return
	}
	var rex byte
	if w {
		rex |= 8
	}
	if reg&8 != 0 {
		rex |= 4
	}
	if rm&8 != 0 {
		rex |= 1
	}
	if rex != 0 {
		a.emit8(0x40 | rex)
	}
}

func (a *Assembler) emitRexRM(w bool, reg uint32, m asmkit.Operand) {
	if !a.is64() {
		return
	}
	var rex byte
	if w {
		rex |= 8
	}
	if reg&8 != 0 {
		rex |= 4
	}
	if !m.HasLabelBase() {
		if base := m.MemBase(); base != asmkit.InvalidID && base&8 != 0 {
			rex |= 1
		}
		if index := m.MemIndex(); index != asmkit.InvalidID && index&8 != 0 {
			rex |= 2
		}
	}
	if rex != 0 {
		a.emit8(0x40 | rex)
	}
}

// emitModRMMem writes the mod/rm, sib and displacement bytes addressing m
// with the given reg (or /digit) field. immLen is the number of immediate
// bytes following the displacement, needed to resolve rip-relative label
// references against the instruction end.
func (a *Assembler) emitModRMMem(regField uint32, m asmkit.Operand, immLen int) error {
	low := byte(regField & 7)

	if m.HasLabelBase() {
		a.emit8(modRMByte(0, low, 5))
		if a.is64() {
			return a.emitLabelDisp32(m.MemBase(), m.MemDisp(), immLen)
		}
		return a.emitLabelAbs32(m.MemBase(), m.MemDisp())
	}

	base := m.MemBase()
	if base == asmkit.InvalidID {
		return fmt.Errorf("%w: memory operand without base", asmkit.ErrInvalidOperand)
	}
	index := m.MemIndex()
	hasIndex := index != asmkit.InvalidID
	if hasIndex && index&7 == 4 && index < 8 {
		return fmt.Errorf("%w: SP cannot be an index register", asmkit.ErrInvalidOperand)
	}

	disp := m.MemDisp()
	baseLow := byte(base & 7)

	var mod byte
	var dispLen int
	switch {
	case disp == 0 && baseLow != 5:
		mod, dispLen = 0, 0
	case disp == int64(int8(disp)):
		mod, dispLen = 1, 1
	case disp == int64(int32(disp)):
		mod, dispLen = 2, 4
	default:
		return fmt.Errorf("%w: displacement %d out of range", asmkit.ErrInvalidOperand, disp)
	}

	if !hasIndex && baseLow != 4 {
		a.emit8(modRMByte(mod, low, baseLow))
	} else {
		a.emit8(modRMByte(mod, low, 4))
		idxBits, scaleBits := byte(4), byte(0)
		if hasIndex {
			idxBits = byte(index & 7)
			scaleBits = scaleLog(m.MemScale())
		}
		a.emit8(sibByte(scaleBits, idxBits, baseLow))
	}

	switch dispLen {
	case 1:
		a.emit8(byte(int8(disp)))
	case 4:
		a.emit32(uint32(int32(disp)))
	}
	return nil
}

// emitLabelDisp32 writes a 32-bit field resolved to label+extra relative to
// the instruction end. Unbound labels leave a pending link behind.
func (a *Assembler) emitLabelDisp32(id uint32, extra int64, immLen int) error {
	e := a.Code().LabelEntryOf(id)
	if e == nil {
		return asmkit.ErrInvalidLabel
	}
	pos := a.off
	if e.IsBound() {
		rel := int64(e.Offset) + extra - int64(pos+4+immLen)
		a.emit32(uint32(int32(rel)))
		return nil
	}
	link := a.Code().NewLabelLink()
	link.Offset = pos
	link.Displacement = -(4 + immLen) + int(extra)
	link.RelocID = -1
	link.Prev = e.Links
	e.Links = link
	a.emit32(0)
	return nil
}

// emitLabelAbs32 writes a 32-bit absolute field patched to base+label+extra
// at relocation time.
func (a *Assembler) emitLabelAbs32(id uint32, extra int64) error {
	e := a.Code().LabelEntryOf(id)
	if e == nil {
		return asmkit.ErrInvalidLabel
	}
	pos := a.off
	relocID := a.Code().AddReloc(asmkit.RelocEntry{
		Type: asmkit.RelocAbsToAbs,
		Size: 4,
		From: uint64(pos),
	})
	if e.IsBound() {
		a.Code().SetRelocData(relocID, uint64(int64(e.Offset)+extra))
	} else {
		link := a.Code().NewLabelLink()
		link.Offset = pos
		link.Displacement = int(extra)
		link.RelocID = relocID
		link.Prev = e.Links
		e.Links = link
	}
	a.emit32(0)
	return nil
}

func (a *Assembler) encodeGroup1(base, digit byte, o0, o1 asmkit.Operand) error {
	w := a.width(o0, o1) == 8

	switch {
	case o0.IsReg() && o1.IsReg():
		a.emitRexRR(w, o1.Reg(), o0.Reg())
		a.emit8(base + 1)
		a.emit8(modRMByte(3, byte(o1.Reg()&7), byte(o0.Reg()&7)))
		return nil
	case o0.IsMem() && o1.IsReg():
		a.emitRexRM(w, o1.Reg(), o0)
		a.emit8(base + 1)
		return a.emitModRMMem(o1.Reg(), o0, 0)
	case o0.IsReg() && o1.IsMem():
		a.emitRexRM(w, o0.Reg(), o1)
		a.emit8(base + 3)
		return a.emitModRMMem(o0.Reg(), o1, 0)
	case (o0.IsReg() || o0.IsMem()) && o1.IsImm():
		imm := o1.Imm()
		opcode, immLen := byte(0x81), 4
		if imm == int64(int8(imm)) {
			opcode, immLen = 0x83, 1
		} else if imm != int64(int32(imm)) {
			return fmt.Errorf("%w: immediate %d out of range", asmkit.ErrInvalidOperand, imm)
		}
		if o0.IsReg() {
			a.emitRexRR(w, 0, o0.Reg())
			a.emit8(opcode)
			a.emit8(modRMByte(3, digit, byte(o0.Reg()&7)))
		} else {
			a.emitRexRM(w, 0, o0)
			a.emit8(opcode)
			if err := a.emitModRMMem(uint32(digit), o0, immLen); err != nil {
				return err
			}
		}
		if immLen == 1 {
			a.emit8(byte(int8(imm)))
		} else {
			a.emit32(uint32(int32(imm)))
		}
		return nil
	}
	return operandError(0, o0, o1)
}

func (a *Assembler) encodeMov(o0, o1 asmkit.Operand) error {
	w := a.width(o0, o1) == 8

	switch {
	case o0.IsReg() && o1.IsReg():
		a.emitRexRR(w, o1.Reg(), o0.Reg())
		a.emit8(0x89)
		a.emit8(modRMByte(3, byte(o1.Reg()&7), byte(o0.Reg()&7)))
		return nil
	case o0.IsMem() && o1.IsReg():
		a.emitRexRM(w, o1.Reg(), o0)
		a.emit8(0x89)
		return a.emitModRMMem(o1.Reg(), o0, 0)
	case o0.IsReg() && o1.IsMem():
		a.emitRexRM(w, o0.Reg(), o1)
		a.emit8(0x8B)
		return a.emitModRMMem(o0.Reg(), o1, 0)
	case o0.IsReg() && o1.IsImm():
		imm := o1.Imm()
		reg := o0.Reg()
		if w {
			if imm == int64(int32(imm)) {
				a.emitRexRR(true, 0, reg)
				a.emit8(0xC7)
				a.emit8(modRMByte(3, 0, byte(reg&7)))
				a.emit32(uint32(int32(imm)))
				return nil
			}
			a.emitRexRR(true, 0, reg)
			a.emit8(0xB8 + byte(reg&7))
			a.emit64(uint64(imm))
			return nil
		}
		a.emitRexRR(false, 0, reg)
		a.emit8(0xB8 + byte(reg&7))
		a.emit32(uint32(int32(imm)))
		return nil
	case o0.IsReg() && o1.IsLabel():
		// Materialize the absolute address of a label; patched by Relocate.
		reg := o0.Reg()
		if a.is64() {
			a.emitRexRR(true, 0, reg)
			a.emit8(0xB8 + byte(reg&7))
			return a.emitLabelAbs64(o1.LabelID())
		}
		a.emit8(0xB8 + byte(reg&7))
		return a.emitLabelAbs32(o1.LabelID(), 0)
	case o0.IsMem() && o1.IsImm():
		imm := o1.Imm()
		if imm != int64(int32(imm)) {
			return fmt.Errorf("%w: immediate %d out of range", asmkit.ErrInvalidOperand, imm)
		}
		a.emitRexRM(w, 0, o0)
		a.emit8(0xC7)
		if err := a.emitModRMMem(0, o0, 4); err != nil {
			return err
		}
		a.emit32(uint32(int32(imm)))
		return nil
	}
	return operandError(MOV, o0, o1)
}

func (a *Assembler) emitLabelAbs64(id uint32) error {
	e := a.Code().LabelEntryOf(id)
	if e == nil {
		return asmkit.ErrInvalidLabel
	}
	pos := a.off
	relocID := a.Code().AddReloc(asmkit.RelocEntry{
		Type: asmkit.RelocAbsToAbs,
		Size: 8,
		From: uint64(pos),
	})
	if e.IsBound() {
		a.Code().SetRelocData(relocID, uint64(e.Offset))
	} else {
		link := a.Code().NewLabelLink()
		link.Offset = pos
		link.RelocID = relocID
		link.Prev = e.Links
		e.Links = link
	}
	a.emit64(0)
	return nil
}

// encodeMR encodes the r/m,r form of opcode for TEST and XCHG.
func (a *Assembler) encodeMR(opcode byte, o0, o1 asmkit.Operand) error {
	w := a.width(o0, o1) == 8
	switch {
	case o0.IsReg() && o1.IsReg():
		a.emitRexRR(w, o1.Reg(), o0.Reg())
		a.emit8(opcode)
		a.emit8(modRMByte(3, byte(o1.Reg()&7), byte(o0.Reg()&7)))
		return nil
	case o0.IsMem() && o1.IsReg():
		a.emitRexRM(w, o1.Reg(), o0)
		a.emit8(opcode)
		return a.emitModRMMem(o1.Reg(), o0, 0)
	}
	return operandError(0, o0, o1)
}

// encodeRM0F encodes the two-byte-opcode r,r/m form for IMUL.
func (a *Assembler) encodeRM0F(opcode byte, o0, o1 asmkit.Operand) error {
	if !o0.IsReg() {
		return operandError(IMUL, o0, o1)
	}
	w := a.width(o0, o1) == 8
	switch {
	case o1.IsReg():
		a.emitRexRR(w, o0.Reg(), o1.Reg())
		a.emit8(0x0F)
		a.emit8(opcode)
		a.emit8(modRMByte(3, byte(o0.Reg()&7), byte(o1.Reg()&7)))
		return nil
	case o1.IsMem():
		a.emitRexRM(w, o0.Reg(), o1)
		a.emit8(0x0F)
		a.emit8(opcode)
		return a.emitModRMMem(o0.Reg(), o1, 0)
	}
	return operandError(IMUL, o0, o1)
}

func (a *Assembler) encodeUnary(opcode, digit byte, o0 asmkit.Operand) error {
	w := a.width(o0) == 8
	switch {
	case o0.IsReg():
		a.emitRexRR(w, 0, o0.Reg())
		a.emit8(opcode)
		a.emit8(modRMByte(3, digit, byte(o0.Reg()&7)))
		return nil
	case o0.IsMem():
		a.emitRexRM(w, 0, o0)
		a.emit8(opcode)
		return a.emitModRMMem(uint32(digit), o0, 0)
	}
	return operandError(0, o0, asmkit.NoOperand)
}

// encodePushPop encodes PUSH and POP: short forms for registers, FF /6 and
// 8F /0 for memory, 68 for immediates.
func (a *Assembler) encodePushPop(shortBase byte, memDigit byte, o0 asmkit.Operand) error {
	switch {
	case o0.IsReg():
		if a.is64() && o0.Reg()&8 != 0 {
			a.emit8(0x41)
		}
		a.emit8(shortBase + byte(o0.Reg()&7))
		return nil
	case o0.IsMem():
		opcode := byte(0xFF)
		if shortBase == 0x58 {
			opcode = 0x8F
		}
		a.emitRexRM(false, 0, o0)
		a.emit8(opcode)
		return a.emitModRMMem(uint32(memDigit), o0, 0)
	case o0.IsImm() && shortBase == 0x50:
		imm := o0.Imm()
		if imm != int64(int32(imm)) {
			return fmt.Errorf("%w: immediate %d out of range", asmkit.ErrInvalidOperand, imm)
		}
		a.emit8(0x68)
		a.emit32(uint32(int32(imm)))
		return nil
	}
	return operandError(0, o0, asmkit.NoOperand)
}

// encodeBranch encodes CALL and JMP: rel32 to labels, FF /digit for
// register and memory targets, and absolute immediate targets through a
// relocation that may require a trampoline on 64-bit.
func (a *Assembler) encodeBranch(relOpcode byte, digit byte, o0 asmkit.Operand) error {
	switch {
	case o0.IsLabel():
		a.emit8(relOpcode)
		return a.emitLabelDisp32(o0.LabelID(), 0, 0)
	case o0.IsReg():
		if a.is64() && o0.Reg()&8 != 0 {
			a.emit8(0x41)
		}
		a.emit8(0xFF)
		a.emit8(modRMByte(3, digit, byte(o0.Reg()&7)))
		return nil
	case o0.IsMem():
		a.emitRexRM(false, 0, o0)
		a.emit8(0xFF)
		return a.emitModRMMem(uint32(digit), o0, 0)
	case o0.IsImm():
		if a.is64() {
			// The padding prefix reserves the byte Relocate overwrites when
			// the displacement cannot reach the target directly.
			a.emit8(0x40)
			a.emit8(relOpcode)
			pos := a.off
			a.Code().AddReloc(asmkit.RelocEntry{
				Type: asmkit.RelocTrampoline,
				Size: 4,
				From: uint64(pos),
				Data: uint64(o0.Imm()),
			})
			a.emit32(0)
			return nil
		}
		a.emit8(relOpcode)
		pos := a.off
		a.Code().AddReloc(asmkit.RelocEntry{
			Type: asmkit.RelocRelToAbs,
			Size: 4,
			From: uint64(pos),
			Data: uint64(o0.Imm()),
		})
		a.emit32(0)
		return nil
	}
	return operandError(0, o0, asmkit.NoOperand)
}

func (a *Assembler) encodeJcc(instID asmkit.InstID, options asmkit.Options, o0 asmkit.Operand) error {
	if !o0.IsLabel() {
		return operandError(instID, o0, asmkit.NoOperand)
	}
	if a.GlobalHints()&asmkit.HintPredictedJumps != 0 {
		if options&asmkit.OptionTaken != 0 {
			a.emit8(0x3E)
		} else {
			a.emit8(0x2E)
		}
	}
	a.emit8(0x0F)
	a.emit8(0x80 + byte(instID-JO))
	return a.emitLabelDisp32(o0.LabelID(), 0, 0)
}

func operandError(instID asmkit.InstID, o0, o1 asmkit.Operand) error {
	return fmt.Errorf("%w: %s %s, %s", asmkit.ErrInvalidOperand, InstructionName(instID), o0.Type(), o1.Type())
}
