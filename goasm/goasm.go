// Package goasm provides an Emitter backed by the golang-asm fork of the Go
// toolchain assembler. It accepts the same serialized instruction stream as
// the native encoder and produces machine code through obj.Prog lists, which
// makes it useful both as a standalone sink and for cross-checking the
// native encoder's output.
//
// The backend covers instruction streams only: raw data embedding and
// constant pools have no obj.Prog representation and are rejected.
package goasm

import (
	"fmt"

	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	gx86 "github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/tetratelabs/asmkit"
	"github.com/tetratelabs/asmkit/x86"
)

// Assembler translates the write-API into an obj.Prog list and assembles it
// with the golang-asm builder. It implements asmkit.Emitter and, when
// attached to a CodeHolder, takes the direct-encoder slot and writes the
// assembled bytes back into the holder's executable section on Finalize.
type Assembler struct {
	asmkit.BaseEmitter

	b *goasm.Builder

	// bound maps label ids to their anchor instruction; pending holds jump
	// progs awaiting an unbound label; bindOnNext lists labels anchored by
	// the next added instruction.
	bound      map[uint32]*obj.Prog
	pending    map[uint32][]*obj.Prog
	bindOnNext []uint32

	// nextLabel allocates label ids when no holder is attached.
	nextLabel uint32
}

var _ asmkit.Emitter = (*Assembler)(nil)

// NewAssembler returns a golang-asm backed emitter. code may be nil, in
// which case the emitter is used standalone as a serialization sink.
func NewAssembler(code *asmkit.CodeHolder) (*Assembler, error) {
	b, err := goasm.NewBuilder("amd64", 1024)
	if err != nil {
		return nil, fmt.Errorf("failed to create assembly builder: %w", err)
	}
	a := &Assembler{
		b:       b,
		bound:   map[uint32]*obj.Prog{},
		pending: map[uint32][]*obj.Prog{},
	}
	a.Init(a, asmkit.EmitterAssembler)
	if code != nil {
		if err := code.Attach(a); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// OnAttach implements asmkit.Emitter.OnAttach.
func (a *Assembler) OnAttach(code *asmkit.CodeHolder) error {
	if code.Arch() != asmkit.ArchX64 {
		return asmkit.ErrInvalidArch
	}
	return nil
}

// OnDetach implements asmkit.Emitter.OnDetach.
func (a *Assembler) OnDetach(code *asmkit.CodeHolder) error { return nil }

func (a *Assembler) newProg() *obj.Prog {
	return a.b.NewProg()
}

func (a *Assembler) addInstruction(p *obj.Prog) {
	a.b.AddInstruction(p)
	for _, id := range a.bindOnNext {
		a.bound[id] = p
		for _, jump := range a.pending[id] {
			jump.To.SetTarget(p)
		}
		delete(a.pending, id)
	}
	a.bindOnNext = a.bindOnNext[:0]
}

// Emit implements asmkit.Emitter.Emit.
func (a *Assembler) Emit(instID asmkit.InstID, ops ...asmkit.Operand) error {
	return asmkit.NormalizedEmit(a, instID, ops)
}

// EmitInst implements asmkit.Emitter.EmitInst.
func (a *Assembler) EmitInst(instID asmkit.InstID, o0, o1, o2, o3 asmkit.Operand) error {
	if err := a.LastError(); err != nil {
		return err
	}

	if instID >= x86.JO && instID <= x86.JMP {
		err := a.emitBranch(instID, o0)
		if err != nil {
			return a.SetLastError(err)
		}
		a.ResetSidecar()
		return nil
	}

	as, err := a.lookupAs(instID, a.instWidth(o0, o1))
	if err != nil {
		return a.SetLastError(err)
	}

	p := a.newProg()
	p.As = as

	switch instID {
	case x86.NOP, x86.RET, x86.UD2:
	case x86.PUSH:
		if err = setAddr(&p.From, o0); err != nil {
			return a.SetLastError(err)
		}
	case x86.POP, x86.INC, x86.DEC, x86.NOT, x86.NEG:
		if err = setAddr(&p.To, o0); err != nil {
			return a.SetLastError(err)
		}
	case x86.CALL:
		if err = a.emitCall(p, o0); err != nil {
			return a.SetLastError(err)
		}
		return nil
	default:
		// Binary forms: o0 is the destination, o1 the source.
		if err = setAddr(&p.To, o0); err != nil {
			return a.SetLastError(err)
		}
		if err = setAddr(&p.From, o1); err != nil {
			return a.SetLastError(err)
		}
	}

	a.addInstruction(p)
	a.ResetSidecar()
	return nil
}

func (a *Assembler) emitBranch(instID asmkit.InstID, o0 asmkit.Operand) error {
	as, ok := branchAs[instID]
	if !ok {
		return fmt.Errorf("%w: id %d", asmkit.ErrInvalidInstruction, instID)
	}

	p := a.newProg()
	p.As = as

	switch {
	case o0.IsLabel():
		p.To.Type = obj.TYPE_BRANCH
		id := o0.LabelID()
		if anchor, ok := a.bound[id]; ok {
			p.To.SetTarget(anchor)
		} else {
			a.pending[id] = append(a.pending[id], p)
		}
	case o0.IsReg():
		reg, err := castReg(o0.Reg())
		if err != nil {
			return err
		}
		p.To.Type = obj.TYPE_REG
		p.To.Reg = reg
	default:
		return fmt.Errorf("%w: branch target %s", asmkit.ErrInvalidOperand, o0.Type())
	}

	a.addInstruction(p)
	return nil
}

func (a *Assembler) emitCall(p *obj.Prog, o0 asmkit.Operand) error {
	switch {
	case o0.IsLabel():
		p.To.Type = obj.TYPE_BRANCH
		id := o0.LabelID()
		if anchor, ok := a.bound[id]; ok {
			p.To.SetTarget(anchor)
		} else {
			a.pending[id] = append(a.pending[id], p)
		}
	case o0.IsReg():
		reg, err := castReg(o0.Reg())
		if err != nil {
			return err
		}
		p.To.Type = obj.TYPE_REG
		p.To.Reg = reg
	default:
		return fmt.Errorf("%w: call target %s", asmkit.ErrInvalidOperand, o0.Type())
	}
	a.addInstruction(p)
	a.ResetSidecar()
	return nil
}

// NewLabel implements asmkit.Emitter.NewLabel. Attached emitters register
// the label with the holder; standalone ones allocate from a private id
// space.
func (a *Assembler) NewLabel() asmkit.Label {
	if code := a.Code(); code != nil {
		id, err := code.NewLabelID()
		if err != nil {
			a.SetLastError(err)
			return asmkit.NewLabelFromID(asmkit.InvalidID)
		}
		return asmkit.NewLabelFromID(id)
	}
	id := asmkit.PackID(a.nextLabel)
	a.nextLabel++
	return asmkit.NewLabelFromID(id)
}

// Bind implements asmkit.Emitter.Bind: the next added instruction becomes
// the label's anchor.
func (a *Assembler) Bind(l asmkit.Label) error {
	if err := a.LastError(); err != nil {
		return err
	}
	if !l.IsValid() {
		return a.SetLastError(asmkit.ErrInvalidLabel)
	}
	id := l.ID()
	if _, ok := a.bound[id]; ok {
		return a.SetLastError(asmkit.ErrLabelAlreadyBound)
	}
	a.bindOnNext = append(a.bindOnNext, id)
	return nil
}

// Align implements asmkit.Emitter.Align. The Go assembler handles function
// alignment itself, so directives inside a stream are dropped.
func (a *Assembler) Align(mode asmkit.AlignMode, alignment uint32) error {
	return a.LastError()
}

// Embed implements asmkit.Emitter.Embed; raw data has no obj.Prog
// representation.
func (a *Assembler) Embed(data []byte) error {
	if err := a.LastError(); err != nil {
		return err
	}
	return a.SetLastError(fmt.Errorf("%w: data embedding not supported by the golang-asm backend", asmkit.ErrInvalidState))
}

// EmbedConstPool implements asmkit.Emitter.EmbedConstPool; unsupported like
// Embed.
func (a *Assembler) EmbedConstPool(l asmkit.Label, pool *asmkit.ConstPool) error {
	if err := a.LastError(); err != nil {
		return err
	}
	return a.SetLastError(fmt.Errorf("%w: constant pools not supported by the golang-asm backend", asmkit.ErrInvalidState))
}

// Comment implements asmkit.Emitter.Comment.
func (a *Assembler) Comment(s string) error {
	if err := a.LastError(); err != nil {
		return err
	}
	a.Logf("; %s", s)
	return nil
}

// Assemble resolves remaining label anchors and produces the final binary.
func (a *Assembler) Assemble() ([]byte, error) {
	if err := a.LastError(); err != nil {
		return nil, err
	}
	if len(a.bindOnNext) > 0 || len(a.pending) > 0 {
		// Anchor trailing labels on a no-op so jumps to the stream end
		// resolve.
		p := a.newProg()
		p.As = obj.ANOP
		a.addInstruction(p)
	}
	if len(a.pending) > 0 {
		return nil, asmkit.ErrInvalidLabel
	}
	return a.b.Assemble(), nil
}

// Finalize implements asmkit.Emitter.Finalize: the assembled bytes are
// appended to the holder's executable section.
func (a *Assembler) Finalize() error {
	if err := a.LastError(); err != nil {
		return err
	}
	code, err := a.Assemble()
	if err != nil {
		return a.SetLastError(err)
	}
	holder := a.Code()
	if holder == nil {
		return nil
	}
	section := holder.Text()
	if err := holder.GrowBuffer(&section.Buffer, len(code)); err != nil {
		return a.SetLastError(err)
	}
	section.Buffer.Data = append(section.Buffer.Data, code...)
	return nil
}

func (a *Assembler) instWidth(ops ...asmkit.Operand) uint8 {
	var size uint8
	for _, o := range ops {
		if o.Size() > size {
			size = o.Size()
		}
	}
	if size == 0 {
		size = 8
	}
	return size
}

func (a *Assembler) lookupAs(instID asmkit.InstID, width uint8) (obj.As, error) {
	table := inst64
	if width == 4 {
		table = inst32
	}
	if as, ok := table[instID]; ok {
		return as, nil
	}
	return obj.AXXX, fmt.Errorf("%w: id %d", asmkit.ErrInvalidInstruction, instID)
}

func castReg(id uint32) (int16, error) {
	if asmkit.IsPackedID(id) {
		return 0, asmkit.ErrInvalidVirtID
	}
	if id >= 16 {
		return 0, fmt.Errorf("%w: register id %d", asmkit.ErrInvalidOperand, id)
	}
	return castAsGolangAsmRegister[id], nil
}

func setAddr(addr *obj.Addr, op asmkit.Operand) error {
	switch {
	case op.IsNone():
		addr.Type = obj.TYPE_NONE
	case op.IsReg():
		reg, err := castReg(op.Reg())
		if err != nil {
			return err
		}
		addr.Type = obj.TYPE_REG
		addr.Reg = reg
	case op.IsImm():
		addr.Type = obj.TYPE_CONST
		addr.Offset = op.Imm()
	case op.IsMem():
		if op.HasLabelBase() {
			return fmt.Errorf("%w: label-relative memory not supported by the golang-asm backend", asmkit.ErrInvalidOperand)
		}
		reg, err := castReg(op.MemBase())
		if err != nil {
			return err
		}
		addr.Type = obj.TYPE_MEM
		addr.Reg = reg
		addr.Offset = op.MemDisp()
		if index := op.MemIndex(); index != asmkit.InvalidID {
			ireg, err := castReg(index)
			if err != nil {
				return err
			}
			addr.Index = ireg
			addr.Scale = int16(op.MemScale())
		}
	default:
		return fmt.Errorf("%w: %s", asmkit.ErrInvalidOperand, op.Type())
	}
	return nil
}

var castAsGolangAsmRegister = [16]int16{
	gx86.REG_AX, gx86.REG_CX, gx86.REG_DX, gx86.REG_BX,
	gx86.REG_SP, gx86.REG_BP, gx86.REG_SI, gx86.REG_DI,
	gx86.REG_R8, gx86.REG_R9, gx86.REG_R10, gx86.REG_R11,
	gx86.REG_R12, gx86.REG_R13, gx86.REG_R14, gx86.REG_R15,
}

var inst64 = map[asmkit.InstID]obj.As{
	x86.ADD:  gx86.AADDQ,
	x86.AND:  gx86.AANDQ,
	x86.CALL: obj.ACALL,
	x86.CMP:  gx86.ACMPQ,
	x86.DEC:  gx86.ADECQ,
	x86.IMUL: gx86.AIMULQ,
	x86.INC:  gx86.AINCQ,
	x86.LEA:  gx86.ALEAQ,
	x86.MOV:  gx86.AMOVQ,
	x86.NEG:  gx86.ANEGQ,
	x86.NOP:  obj.ANOP,
	x86.NOT:  gx86.ANOTQ,
	x86.OR:   gx86.AORQ,
	x86.POP:  gx86.APOPQ,
	x86.PUSH: gx86.APUSHQ,
	x86.RET:  obj.ARET,
	x86.SUB:  gx86.ASUBQ,
	x86.TEST: gx86.ATESTQ,
	x86.UD2:  gx86.AUD2,
	x86.XCHG: gx86.AXCHGQ,
	x86.XOR:  gx86.AXORQ,
}

var inst32 = map[asmkit.InstID]obj.As{
	x86.ADD:  gx86.AADDL,
	x86.AND:  gx86.AANDL,
	x86.CALL: obj.ACALL,
	x86.CMP:  gx86.ACMPL,
	x86.DEC:  gx86.ADECL,
	x86.IMUL: gx86.AIMULL,
	x86.INC:  gx86.AINCL,
	x86.LEA:  gx86.ALEAL,
	x86.MOV:  gx86.AMOVL,
	x86.NEG:  gx86.ANEGL,
	x86.NOP:  obj.ANOP,
	x86.NOT:  gx86.ANOTL,
	x86.OR:   gx86.AORL,
	x86.POP:  gx86.APOPQ,
	x86.PUSH: gx86.APUSHQ,
	x86.RET:  obj.ARET,
	x86.SUB:  gx86.ASUBL,
	x86.TEST: gx86.ATESTL,
	x86.UD2:  gx86.AUD2,
	x86.XCHG: gx86.AXCHGL,
	x86.XOR:  gx86.AXORL,
}

var branchAs = map[asmkit.InstID]obj.As{
	x86.JO:  gx86.AJOS,
	x86.JNO: gx86.AJOC,
	x86.JB:  gx86.AJCS,
	x86.JAE: gx86.AJCC,
	x86.JE:  gx86.AJEQ,
	x86.JNE: gx86.AJNE,
	x86.JBE: gx86.AJLS,
	x86.JA:  gx86.AJHI,
	x86.JS:  gx86.AJMI,
	x86.JNS: gx86.AJPL,
	x86.JP:  gx86.AJPS,
	x86.JNP: gx86.AJPC,
	x86.JL:  gx86.AJLT,
	x86.JGE: gx86.AJGE,
	x86.JLE: gx86.AJLE,
	x86.JG:  gx86.AJGT,
	x86.JMP: obj.AJMP,
}
