package asmkit

import (
	"encoding/binary"
	"fmt"
)

// AlignMode selects the fill sequence used by Emitter.Align.
type AlignMode uint8

const (
	// AlignCode aligns with a no-op sequence of the architecture.
	AlignCode AlignMode = iota
	// AlignData aligns non-executed data.
	AlignData
	// AlignZero aligns with an explicit zero fill.
	AlignZero
)

// SectionFlags describe a section's placement and protection.
type SectionFlags uint32

const (
	SectionExec SectionFlags = 1 << iota
	SectionConst
	SectionZeroFill
	SectionInfo
)

// sectionNameMax bounds section names, following PE/ELF-friendly limits.
const sectionNameMax = 35

// CodeBuffer holds the bytes of one section. The used length is len(Data)
// and the capacity cap(Data). External buffers wrap caller-provided memory;
// fixed-size buffers refuse to grow.
type CodeBuffer struct {
	Data      []byte
	External  bool
	FixedSize bool
}

// Section is a named region of code or data owned by a CodeHolder.
type Section struct {
	ID        uint32
	Flags     SectionFlags
	Alignment uint32
	Name      string
	Buffer    CodeBuffer
}

// LabelLink is a pending patch site referring to a not-yet-bound label.
// Links form a singly-linked chain headed in the LabelEntry and are consumed
// when the label is bound; Relocate does not consume them.
type LabelLink struct {
	Prev *LabelLink
	// Offset is the section offset of the 32-bit field to patch.
	Offset int
	// Displacement is added to the resolved delta, typically the negated
	// distance between the patched field and the end of the instruction.
	Displacement int
	// RelocID names the relocation entry whose Data awaits the label
	// offset, or -1.
	RelocID int
}

// LabelEntry is the per-label record of a CodeHolder.
type LabelEntry struct {
	// Offset is the byte offset of the bound label in its section, or -1
	// while unbound.
	Offset int
	// Links heads the chain of pending patch sites.
	Links *LabelLink
}

// IsBound reports whether the label offset is fixed.
func (e *LabelEntry) IsBound() bool { return e.Offset != -1 }

// RelocType selects how a relocation entry patches its bytes.
type RelocType uint32

const (
	// RelocAbsToAbs patches an absolute field with base+Data.
	RelocAbsToAbs RelocType = iota
	// RelocRelToAbs patches a relative field so it lands on the absolute
	// address Data: the field receives Data-(base+From+Size).
	RelocRelToAbs
	// RelocAbsToRel patches an absolute field with Data-(base+From+Size).
	RelocAbsToRel
	// RelocTrampoline patches a relative field with Data-(base+From+Size),
	// detouring through a trampoline when the displacement overflows 32
	// bits.
	RelocTrampoline
)

// RelocEntry describes one patch applied at CodeHolder.Relocate. From is the
// offset of the patched field within the executable section.
type RelocEntry struct {
	Type RelocType
	Size uint32 // 4 or 8
	From uint64
	Data uint64
}

// trampolineSize is the number of bytes one trampoline slot occupies: an
// absolute 64-bit target read by an indirect jump.
const trampolineSize = 8

// CodeHolder owns the mutable state shared by all attached emitters:
// sections and their buffers, the label table, relocations, global emitter
// options, the logger and the error handler. A holder must be initialized
// with Init before emitters can attach.
type CodeHolder struct {
	info CodeInfo

	globalHints   Hints
	globalOptions Options

	// emitters heads the intrusive list of attached emitters; asmEmitter is
	// the unique direct encoder slot.
	emitters   Emitter
	asmEmitter Emitter

	logger       Logger
	errorHandler ErrorHandler

	sections    []*Section
	labels      []*LabelEntry
	unusedLinks *LabelLink
	relocations []RelocEntry

	// spare is buffer storage retained across Reset(false) and reused by
	// the next Init.
	spare []byte

	trampolinesSize uint32
}

// NewCodeHolder returns a holder initialized for info.
func NewCodeHolder(info CodeInfo) (*CodeHolder, error) {
	h := &CodeHolder{}
	if err := h.Init(info); err != nil {
		return nil, err
	}
	return h, nil
}

// Init initializes an empty holder to hold code described by info.
func (h *CodeHolder) Init(info CodeInfo) error {
	if h.info.IsInitialized() {
		return ErrInvalidState
	}
	if !info.IsInitialized() {
		return ErrInvalidArch
	}
	h.info = info
	h.sections = append(h.sections, &Section{
		ID:        0,
		Flags:     SectionExec,
		Alignment: 1,
		Name:      ".text",
		Buffer:    CodeBuffer{Data: h.spare},
	})
	h.spare = nil
	return nil
}

// Reset detaches all emitters and clears the holder back to its
// uninitialized state. release affects only the default section's buffer:
// when false its storage is kept and reused by the next Init, when true it
// is dropped.
func (h *CodeHolder) Reset(release bool) {
	for h.emitters != nil {
		h.Detach(h.emitters)
	}
	var spare []byte
	if !release && len(h.sections) > 0 {
		spare = h.sections[0].Buffer.Data[:0]
	}
	*h = CodeHolder{spare: spare}
}

// CodeInfo returns the holder's code descriptor.
func (h *CodeHolder) CodeInfo() CodeInfo { return h.info }

// Arch returns the target architecture.
func (h *CodeHolder) Arch() ArchType { return h.info.Arch.Type }

// BaseAddress returns the static base address, NoBaseAddress if unset.
func (h *CodeHolder) BaseAddress() uint64 { return h.info.BaseAddress }

// GlobalHints returns hints propagated to all attached emitters.
func (h *CodeHolder) GlobalHints() Hints { return h.globalHints }

// GlobalOptions returns options merged into every emitted instruction.
func (h *CodeHolder) GlobalOptions() Options { return h.globalOptions }

// Logger returns the attached logger, nil if none.
func (h *CodeHolder) Logger() Logger { return h.logger }

// SetLogger attaches a logger and propagates it to all attached emitters.
func (h *CodeHolder) SetLogger(l Logger) {
	h.logger = l
	if l != nil {
		h.globalOptions |= OptionLoggingEnabled
	} else {
		h.globalOptions &^= OptionLoggingEnabled
	}
	for e := h.emitters; e != nil; e = e.Base().nextEmitter {
		e.Base().globalOptions = h.globalOptions
	}
}

// ErrorHandler returns the attached error handler, nil if none.
func (h *CodeHolder) ErrorHandler() ErrorHandler { return h.errorHandler }

// SetErrorHandler attaches the error handler consulted by all emitters at
// error-latch time.
func (h *CodeHolder) SetErrorHandler(eh ErrorHandler) { h.errorHandler = eh }

// Attach binds e to this holder. At most one direct encoder may be attached
// at a time; any number of deferred emitters may coexist.
func (h *CodeHolder) Attach(e Emitter) error {
	if !h.info.IsInitialized() {
		return ErrInvalidState
	}
	b := e.Base()
	if b.code == h {
		return nil
	}
	if b.code != nil {
		return fmt.Errorf("%w: emitter attached to another holder", ErrInvalidState)
	}
	if e.Type() == EmitterAssembler && h.asmEmitter != nil {
		return ErrSlotAlreadyTaken
	}

	b.code = h
	b.codeInfo = h.info
	b.globalHints = h.globalHints
	b.globalOptions = h.globalOptions
	b.nextEmitter = h.emitters
	h.emitters = e
	if e.Type() == EmitterAssembler {
		h.asmEmitter = e
	}

	if err := e.OnAttach(h); err != nil {
		h.unlink(e)
		b.reset()
		return err
	}
	return nil
}

// Detach unbinds e and always resets its emitter-local state.
func (h *CodeHolder) Detach(e Emitter) error {
	b := e.Base()
	if b.code != h {
		return ErrInvalidState
	}
	err := e.OnDetach(h)
	h.unlink(e)
	b.reset()
	return err
}

func (h *CodeHolder) unlink(e Emitter) {
	if h.asmEmitter == e {
		h.asmEmitter = nil
	}
	if h.emitters == e {
		h.emitters = e.Base().nextEmitter
		return
	}
	for prev := h.emitters; prev != nil; prev = prev.Base().nextEmitter {
		if prev.Base().nextEmitter == e {
			prev.Base().nextEmitter = e.Base().nextEmitter
			return
		}
	}
}

// Assembler returns the attached direct encoder, nil if none.
func (h *CodeHolder) Assembler() Emitter { return h.asmEmitter }

// Sections returns the section table. Section 0 always exists.
func (h *CodeHolder) Sections() []*Section { return h.sections }

// Text returns the default executable section.
func (h *CodeHolder) Text() *Section { return h.sections[0] }

// NewSection appends a section. The name must not exceed 35 characters and
// alignment must be a power of two (0 means 1).
func (h *CodeHolder) NewSection(name string, flags SectionFlags, alignment uint32) (*Section, error) {
	if len(name) > sectionNameMax {
		return nil, fmt.Errorf("%w: section name %q too long", ErrInvalidState, name)
	}
	if alignment == 0 {
		alignment = 1
	}
	s := &Section{
		ID:        uint32(len(h.sections)),
		Flags:     flags,
		Alignment: alignment,
		Name:      name,
	}
	h.sections = append(h.sections, s)
	return s, nil
}

// GrowBuffer doubles cb's capacity until n more bytes fit. External
// fixed-size buffers refuse to grow.
func (h *CodeHolder) GrowBuffer(cb *CodeBuffer, n int) error {
	if len(cb.Data)+n <= cap(cb.Data) {
		return nil
	}
	if cb.FixedSize {
		return ErrCodeTooLarge
	}
	capacity := cap(cb.Data)
	if capacity == 0 {
		capacity = 4096
	}
	for len(cb.Data)+n > capacity {
		capacity *= 2
	}
	data := make([]byte, len(cb.Data), capacity)
	copy(data, cb.Data)
	cb.Data = data
	cb.External = false
	return nil
}

// ReserveBuffer grows cb to a capacity of at least n bytes.
func (h *CodeHolder) ReserveBuffer(cb *CodeBuffer, n int) error {
	if cap(cb.Data) >= n {
		return nil
	}
	return h.GrowBuffer(cb, n-len(cb.Data))
}

// NewLabelID appends a fresh unbound label entry and returns its packed id.
func (h *CodeHolder) NewLabelID() (uint32, error) {
	index := uint32(len(h.labels))
	if index > packedIDMask {
		return InvalidID, ErrNoHeapMemory
	}
	h.labels = append(h.labels, &LabelEntry{Offset: -1})
	return PackID(index), nil
}

// LabelsCount returns the number of labels created.
func (h *CodeHolder) LabelsCount() int { return len(h.labels) }

// IsLabelValid reports whether id was created by NewLabelID.
func (h *CodeHolder) IsLabelValid(id uint32) bool {
	return IsPackedID(id) && int(UnpackID(id)) < len(h.labels)
}

// IsLabelBound reports whether the label is valid and bound.
func (h *CodeHolder) IsLabelBound(id uint32) bool {
	e := h.LabelEntryOf(id)
	return e != nil && e.IsBound()
}

// LabelOffset returns the bound offset of the label, -1 while unbound.
func (h *CodeHolder) LabelOffset(id uint32) int {
	if e := h.LabelEntryOf(id); e != nil {
		return e.Offset
	}
	return -1
}

// LabelEntryOf returns the entry of a packed label id, nil if invalid.
func (h *CodeHolder) LabelEntryOf(id uint32) *LabelEntry {
	if !h.IsLabelValid(id) {
		return nil
	}
	return h.labels[UnpackID(id)]
}

// NewLabelLink returns a link record, reusing the free-list before
// allocating.
func (h *CodeHolder) NewLabelLink() *LabelLink {
	if l := h.unusedLinks; l != nil {
		h.unusedLinks = l.Prev
		*l = LabelLink{}
		return l
	}
	return &LabelLink{}
}

// ReleaseLabelLinks returns a consumed chain of links to the free-list.
func (h *CodeHolder) ReleaseLabelLinks(chain *LabelLink) {
	for chain != nil {
		next := chain.Prev
		chain.Prev = h.unusedLinks
		h.unusedLinks = chain
		chain = next
	}
}

// AddReloc appends a relocation entry and returns its id.
func (h *CodeHolder) AddReloc(e RelocEntry) int {
	h.relocations = append(h.relocations, e)
	if e.Type == RelocTrampoline {
		h.trampolinesSize += trampolineSize
	}
	return len(h.relocations) - 1
}

// SetRelocData fills the Data of a previously added relocation; used when a
// label bound later supplies the target offset.
func (h *CodeHolder) SetRelocData(id int, data uint64) {
	h.relocations[id].Data = data
}

// Relocations returns the relocation table.
func (h *CodeHolder) Relocations() []RelocEntry { return h.relocations }

// TrampolinesSize returns the worst-case number of bytes Relocate may append
// for trampolines.
func (h *CodeHolder) TrampolinesSize() int { return int(h.trampolinesSize) }

// Sync copies the active direct encoder's buffer cursor back into its
// section so size queries are accurate without per-instruction
// write-through.
func (h *CodeHolder) Sync() {
	if h.asmEmitter != nil {
		h.asmEmitter.Sync()
	}
}

// CodeSize returns the size of all sections laid out in id order with their
// alignment padding, excluding trampolines.
func (h *CodeHolder) CodeSize() int {
	h.Sync()
	size := 0
	for _, s := range h.sections {
		size = alignUp(size, int(s.Alignment))
		size += len(s.Buffer.Data)
	}
	return size
}

// Relocate lays the sections out in id order, each aligned to its own
// alignment, copies their bytes into dst and patches every relocation entry
// against baseAddress. Trampolines are appended past the section bytes when
// a relative displacement overflows 32 bits. It returns the number of bytes
// written, which may be less than CodeSize()+TrampolinesSize() when
// trampolines go unused.
func (h *CodeHolder) Relocate(dst []byte, baseAddress uint64) (int, error) {
	h.Sync()
	if baseAddress == NoBaseAddress {
		baseAddress = h.info.BaseAddress
	}
	if baseAddress == NoBaseAddress {
		return 0, fmt.Errorf("%w: no base address", ErrInvalidState)
	}

	// Section placement: concatenation with per-section alignment padding.
	offsets := make([]int, len(h.sections))
	size := 0
	for i, s := range h.sections {
		aligned := alignUp(size, int(s.Alignment))
		for j := size; j < aligned; j++ {
			if j < len(dst) {
				dst[j] = 0
			}
		}
		offsets[i] = aligned
		size = aligned + len(s.Buffer.Data)
	}
	if size > len(dst) {
		return 0, ErrCodeTooLarge
	}
	for i, s := range h.sections {
		copy(dst[offsets[i]:], s.Buffer.Data)
	}

	// Trampolines are appended to the end of the laid-out sections.
	trampolineCursor := size
	written := size

	for _, re := range h.relocations {
		from := int(re.From) // executable-section relative
		at := offsets[0] + from
		if at+int(re.Size) > size {
			return 0, fmt.Errorf("%w: relocation outside of code", ErrInvalidState)
		}

		var value uint64
		switch re.Type {
		case RelocAbsToAbs:
			value = baseAddress + re.Data
		case RelocRelToAbs:
			value = re.Data - (baseAddress + re.From + uint64(re.Size))
		case RelocAbsToRel:
			value = re.Data - (baseAddress + re.From + uint64(re.Size))
		case RelocTrampoline:
			delta := int64(re.Data) - int64(baseAddress+re.From+uint64(re.Size))
			if isInt32(delta) {
				value = uint64(delta)
				break
			}
			// Detour: write the absolute target into a trampoline slot and
			// rewrite the branch into an indirect one through it. The
			// encoder reserved a one-byte prefix before the opcode so the
			// rewritten form fits exactly.
			if trampolineCursor+trampolineSize > len(dst) {
				return 0, ErrCodeTooLarge
			}
			binary.LittleEndian.PutUint64(dst[trampolineCursor:], re.Data)
			rel := int64(trampolineCursor) - (int64(at) + int64(re.Size))
			if !isInt32(rel) {
				return 0, ErrCodeTooLarge
			}
			// E8/E9 preceded by a padding prefix becomes FF /2 or FF /4
			// with a rip-relative operand.
			opcode := dst[at-1]
			modrm := byte(0x15) // call [rip+disp32]
			if opcode == 0xE9 {
				modrm = 0x25 // jmp [rip+disp32]
			}
			dst[at-2] = 0xFF
			dst[at-1] = modrm
			value = uint64(rel)
			trampolineCursor += trampolineSize
			if trampolineCursor > written {
				written = trampolineCursor
			}
		default:
			return 0, fmt.Errorf("%w: unknown relocation type %d", ErrInvalidState, re.Type)
		}

		switch re.Size {
		case 4:
			binary.LittleEndian.PutUint32(dst[at:], uint32(value))
		case 8:
			binary.LittleEndian.PutUint64(dst[at:], value)
		default:
			return 0, fmt.Errorf("%w: unknown relocation size %d", ErrInvalidState, re.Size)
		}
	}
	return written, nil
}

func isInt32(v int64) bool {
	return v == int64(int32(v))
}
