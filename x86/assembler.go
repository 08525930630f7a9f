package x86

import (
	"encoding/binary"
	"fmt"

	"github.com/tetratelabs/asmkit"
)

// Assembler is the direct streaming encoder for x86 and x64: every write-API
// call appends machine code to the holder's executable section and records
// label links and relocations for anything not yet resolvable. Exactly one
// Assembler may be attached to a CodeHolder at a time.
type Assembler struct {
	asmkit.BaseEmitter

	section *asmkit.Section
	// buf aliases the section storage at full capacity; off is the write
	// cursor. The used length is written back on Sync.
	buf []byte
	off int
}

var _ asmkit.Emitter = (*Assembler)(nil)

// NewAssembler returns an assembler attached to code.
func NewAssembler(code *asmkit.CodeHolder) (*Assembler, error) {
	a := &Assembler{}
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
	switch code.Arch() {
	case asmkit.ArchX86, asmkit.ArchX64:
	default:
		return asmkit.ErrInvalidArch
	}
	a.section = code.Text()
	a.buf = a.section.Buffer.Data[:cap(a.section.Buffer.Data)]
	a.off = len(a.section.Buffer.Data)
	return nil
}

// OnDetach implements asmkit.Emitter.OnDetach.
func (a *Assembler) OnDetach(code *asmkit.CodeHolder) error {
	a.Sync()
	a.section = nil
	a.buf = nil
	a.off = 0
	return nil
}

// Sync implements asmkit.Emitter.Sync by writing the cursor back into the
// owning section, so holder-side size queries are accurate.
func (a *Assembler) Sync() {
	if a.section != nil {
		a.section.Buffer.Data = a.buf[:a.off]
	}
}

// Offset returns the current write offset in the section.
func (a *Assembler) Offset() int { return a.off }

func (a *Assembler) is64() bool { return a.Arch() == asmkit.ArchX64 }

// ensure grows the section buffer until n more bytes fit.
func (a *Assembler) ensure(n int) error {
	if a.off+n <= len(a.buf) {
		return nil
	}
	a.Sync()
	if err := a.Code().GrowBuffer(&a.section.Buffer, n); err != nil {
		return err
	}
	a.buf = a.section.Buffer.Data[:cap(a.section.Buffer.Data)]
	return nil
}

func (a *Assembler) emit8(b byte) {
	a.buf[a.off] = b
	a.off++
}

func (a *Assembler) emit32(v uint32) {
	binary.LittleEndian.PutUint32(a.buf[a.off:], v)
	a.off += 4
}

func (a *Assembler) emit64(v uint64) {
	binary.LittleEndian.PutUint64(a.buf[a.off:], v)
	a.off += 8
}

// Emit implements asmkit.Emitter.Emit.
func (a *Assembler) Emit(instID asmkit.InstID, ops ...asmkit.Operand) error {
	return asmkit.NormalizedEmit(a, instID, ops)
}

// NewLabel implements asmkit.Emitter.NewLabel.
func (a *Assembler) NewLabel() asmkit.Label {
	id := asmkit.InvalidID
	if a.LastError() == nil {
		newID, err := a.Code().NewLabelID()
		if err != nil {
			a.SetLastError(err)
		} else {
			id = newID
		}
	}
	return asmkit.NewLabelFromID(id)
}

// Bind implements asmkit.Emitter.Bind: the label's offset becomes the
// current position and all pending patch sites are resolved.
func (a *Assembler) Bind(l asmkit.Label) error {
	if err := a.LastError(); err != nil {
		return err
	}
	e := a.Code().LabelEntryOf(l.ID())
	if e == nil {
		return a.SetLastError(asmkit.ErrInvalidLabel)
	}
	if e.IsBound() {
		return a.SetLastError(asmkit.ErrLabelAlreadyBound)
	}

	e.Offset = a.off
	for link := e.Links; link != nil; link = link.Prev {
		if link.RelocID >= 0 {
			a.Code().SetRelocData(link.RelocID, uint64(int64(e.Offset)+int64(link.Displacement)))
			continue
		}
		delta := e.Offset - link.Offset + link.Displacement
		binary.LittleEndian.PutUint32(a.buf[link.Offset:], uint32(int32(delta)))
	}
	a.Code().ReleaseLabelLinks(e.Links)
	e.Links = nil

	a.Logf("L%d:", asmkit.UnpackID(l.ID()))
	return nil
}

// Align implements asmkit.Emitter.Align. Code alignment fills with no-ops,
// data and zero alignment with zero bytes.
func (a *Assembler) Align(mode asmkit.AlignMode, alignment uint32) error {
	if err := a.LastError(); err != nil {
		return err
	}
	if alignment <= 1 {
		return nil
	}
	if alignment&(alignment-1) != 0 {
		return a.SetLastError(fmt.Errorf("%w: alignment %d not a power of two", asmkit.ErrInvalidState, alignment))
	}

	pad := int(alignment) - a.off&int(alignment-1)
	if pad == int(alignment) {
		return nil
	}
	if err := a.ensure(pad); err != nil {
		return a.SetLastError(err)
	}

	fill := byte(0x00)
	if mode == asmkit.AlignCode {
		fill = 0x90
	}
	for i := 0; i < pad; i++ {
		a.emit8(fill)
	}
	a.Logf(".align %d", alignment)
	return nil
}

// Embed implements asmkit.Emitter.Embed.
func (a *Assembler) Embed(data []byte) error {
	if err := a.LastError(); err != nil {
		return err
	}
	if err := a.ensure(len(data)); err != nil {
		return a.SetLastError(err)
	}
	copy(a.buf[a.off:], data)
	a.off += len(data)
	a.Logf(".embed %d bytes", len(data))
	return nil
}

// EmbedConstPool implements asmkit.Emitter.EmbedConstPool: align to the
// pool's alignment, bind the label there, then emit the pool bytes.
func (a *Assembler) EmbedConstPool(l asmkit.Label, pool *asmkit.ConstPool) error {
	if err := a.LastError(); err != nil {
		return err
	}
	if !a.IsLabelValid(l) {
		return a.SetLastError(asmkit.ErrInvalidLabel)
	}
	if err := a.Align(asmkit.AlignData, uint32(pool.Alignment())); err != nil {
		return err
	}
	if err := a.Bind(l); err != nil {
		return err
	}
	size := pool.Size()
	if err := a.ensure(size); err != nil {
		return a.SetLastError(err)
	}
	pool.Fill(a.buf[a.off : a.off+size])
	a.off += size
	return nil
}

// Comment implements asmkit.Emitter.Comment: comments only reach the
// logger, they produce no bytes.
func (a *Assembler) Comment(s string) error {
	if err := a.LastError(); err != nil {
		return err
	}
	a.Logf("; %s", s)
	return nil
}

// Finalize implements asmkit.Emitter.Finalize.
func (a *Assembler) Finalize() error {
	if err := a.LastError(); err != nil {
		return err
	}
	a.Sync()
	return nil
}
