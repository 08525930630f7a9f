package asmkit

import "fmt"

// EmitterType discriminates the concrete emitter kinds.
type EmitterType uint8

const (
	EmitterNone EmitterType = iota
	// EmitterAssembler is a direct streaming encoder writing into the
	// holder's section buffers.
	EmitterAssembler
	// EmitterBuilder is a deferred emitter recording nodes for later
	// passes.
	EmitterBuilder
	// EmitterCompiler is a builder that also records virtual registers and
	// function boundaries.
	EmitterCompiler
)

// Hints are global settings that affect machine-code generation.
type Hints uint32

const (
	// HintOptimizedAlign emits optimized code-alignment sequences instead
	// of single-byte no-ops.
	HintOptimizedAlign Hints = 1 << iota
	// HintPredictedJumps emits jump-prediction prefixes.
	HintPredictedJumps
)

// Options are merged with instruction options for the next emitted
// instruction. The sidecar bits are consumed and cleared by each successful
// emit.
type Options uint32

const (
	// OptionStrictValidation runs the ISA validator before the instruction
	// is emitted or recorded.
	OptionStrictValidation Options = 0x00000002
	// OptionLoggingEnabled marks that the holder carries a logger.
	OptionLoggingEnabled Options = 0x00000010
	// OptionHasOp4 marks that the sidecar 5th operand is set.
	OptionHasOp4 Options = 0x00000020
	// OptionHasOp5 marks that the sidecar 6th operand is set.
	OptionHasOp5 Options = 0x00000040
	// OptionHasOpMask marks that the sidecar op-mask operand is set.
	OptionHasOpMask Options = 0x00000080
	// OptionUnfollow prevents a deferred emitter from linking a jump to its
	// target label.
	OptionUnfollow Options = 0x00000100
	// OptionOverwrite hints that the destination operand is overwritten,
	// which matters for liveness analysis.
	OptionOverwrite Options = 0x00000200
	// OptionTaken marks a conditional jump as predicted-taken.
	OptionTaken Options = 0x00000400
)

// Emitter is the write-side API shared by the direct encoder and the
// deferred builders. All write operations return the first error
// encountered; after a failure is latched every call short-circuits until
// ResetLastError (see BaseEmitter.SetLastError).
type Emitter interface {
	// Base returns the shared emitter state. It is exported so that
	// architecture packages can implement Emitter; reducing duplication
	// this way is preferred over re-implementing the state machine.
	Base() *BaseEmitter
	Type() EmitterType

	// OnAttach is called by CodeHolder.Attach after the emitter is linked.
	OnAttach(code *CodeHolder) error
	// OnDetach is called by CodeHolder.Detach before the emitter state is
	// reset.
	OnDetach(code *CodeHolder) error
	// Sync writes volatile encoder state back to the holder; a no-op for
	// deferred emitters.
	Sync()

	// Emit normalizes ops to the canonical five-operand form and calls
	// EmitInst, routing operands beyond the fourth through the sidecar.
	Emit(instID InstID, ops ...Operand) error
	// EmitInst consumes the canonical form plus the sidecar state.
	EmitInst(instID InstID, o0, o1, o2, o3 Operand) error
	NewLabel() Label
	Bind(l Label) error
	Align(mode AlignMode, alignment uint32) error
	Embed(data []byte) error
	EmbedConstPool(l Label, pool *ConstPool) error
	Comment(s string) error
	Finalize() error

	LastError() error
	ResetLastError()
}

// BaseEmitter holds the state common to all emitters: the attachment, the
// latched error, and the per-next-instruction sidecar.
type BaseEmitter struct {
	self        Emitter
	code        *CodeHolder
	codeInfo    CodeInfo
	nextEmitter Emitter

	typ       EmitterType
	finalized bool
	lastError error

	globalHints   Hints
	globalOptions Options

	// Sidecar state of the next instruction, consumed by EmitInst.
	options       Options
	inlineComment string
	op4, op5      Operand
	opMask        Operand
}

// Init wires the outer emitter and its kind into the shared state; concrete
// emitters call it from their constructors.
func (e *BaseEmitter) Init(self Emitter, typ EmitterType) {
	e.self = self
	e.typ = typ
}

// reset clears all emitter-local state; called on detach.
func (e *BaseEmitter) reset() {
	self, typ := e.self, e.typ
	*e = BaseEmitter{}
	e.self = self
	e.typ = typ
}

// Base implements Emitter.Base.
func (e *BaseEmitter) Base() *BaseEmitter { return e }

// Type implements Emitter.Type.
func (e *BaseEmitter) Type() EmitterType { return e.typ }

// Sync implements Emitter.Sync as a no-op.
func (e *BaseEmitter) Sync() {}

// Code returns the holder the emitter is attached to, nil if detached.
func (e *BaseEmitter) Code() *CodeHolder { return e.code }

// CodeInfo returns the descriptor captured at attach time.
func (e *BaseEmitter) CodeInfo() CodeInfo { return e.codeInfo }

// Arch returns the target architecture.
func (e *BaseEmitter) Arch() ArchType { return e.codeInfo.Arch.Type }

// IsAttached reports whether the emitter is attached to a holder.
func (e *BaseEmitter) IsAttached() bool { return e.code != nil }

// IsFinalized reports whether Finalize completed.
func (e *BaseEmitter) IsFinalized() bool { return e.finalized }

// GlobalHints returns the hints captured from the holder.
func (e *BaseEmitter) GlobalHints() Hints { return e.globalHints }

// GlobalOptions returns the options merged into every instruction.
func (e *BaseEmitter) GlobalOptions() Options { return e.globalOptions }

// LastError implements Emitter.LastError.
func (e *BaseEmitter) LastError() error { return e.lastError }

// ResetLastError clears the latched error so the write-API accepts calls
// again. The caller is responsible for reverting inconsistent state built
// before the failure.
func (e *BaseEmitter) ResetLastError() { e.lastError = nil }

// SetLastError consults the attached error handler and, unless the handler
// reports the error as handled, latches err so that all further write-API
// calls short-circuit. The error is returned either way.
func (e *BaseEmitter) SetLastError(err error) error {
	if err == nil {
		e.lastError = nil
		return nil
	}
	if e.code != nil && e.code.errorHandler != nil {
		if e.code.errorHandler.HandleError(err, err.Error(), e.self) {
			return err
		}
	}
	if e.lastError == nil {
		e.lastError = err
	}
	return err
}

// Options returns the options of the next instruction.
func (e *BaseEmitter) Options() Options { return e.options }

// SetOptions replaces the options of the next instruction.
func (e *BaseEmitter) SetOptions(o Options) { e.options = o }

// AddOptions merges o into the options of the next instruction.
func (e *BaseEmitter) AddOptions(o Options) { e.options |= o }

// ResetOptions clears the options of the next instruction.
func (e *BaseEmitter) ResetOptions() { e.options = 0 }

// SetOp4 sets the sidecar 5th operand of the next instruction.
func (e *BaseEmitter) SetOp4(op Operand) {
	e.op4 = op
	e.options |= OptionHasOp4
}

// SetOp5 sets the sidecar 6th operand of the next instruction.
func (e *BaseEmitter) SetOp5(op Operand) {
	e.op5 = op
	e.options |= OptionHasOp5
}

// SetOpMask sets the sidecar op-mask operand of the next instruction.
func (e *BaseEmitter) SetOpMask(op Operand) {
	e.opMask = op
	e.options |= OptionHasOpMask
}

// Op4 returns the sidecar 5th operand.
func (e *BaseEmitter) Op4() Operand { return e.op4 }

// Op5 returns the sidecar 6th operand.
func (e *BaseEmitter) Op5() Operand { return e.op5 }

// OpMask returns the sidecar op-mask operand.
func (e *BaseEmitter) OpMask() Operand { return e.opMask }

// InlineComment returns the annotation of the next instruction.
func (e *BaseEmitter) InlineComment() string { return e.inlineComment }

// SetInlineComment annotates the next instruction.
func (e *BaseEmitter) SetInlineComment(s string) { e.inlineComment = s }

// ResetInlineComment clears the annotation of the next instruction.
func (e *BaseEmitter) ResetInlineComment() { e.inlineComment = "" }

// ResetSidecar clears everything consumed by one EmitInst call.
func (e *BaseEmitter) ResetSidecar() {
	e.options = 0
	e.inlineComment = ""
	e.op4 = NoOperand
	e.op5 = NoOperand
	e.opMask = NoOperand
}

// IsLabelValid reports whether the label was registered with the attached
// holder.
func (e *BaseEmitter) IsLabelValid(l Label) bool {
	return e.code != nil && e.code.IsLabelValid(l.ID())
}

// Commentf emits a formatted comment.
func (e *BaseEmitter) Commentf(format string, args ...interface{}) error {
	return e.self.Comment(fmt.Sprintf(format, args...))
}

// Logf forwards to the holder's logger when logging is enabled.
func (e *BaseEmitter) Logf(format string, args ...interface{}) {
	if e.globalOptions&OptionLoggingEnabled == 0 || e.code == nil || e.code.logger == nil {
		return
	}
	e.code.logger.Logf(format, args...)
}

// NormalizedEmit implements the shared Emit entry point: up to four
// operands are passed positionally, the fifth and sixth through the
// sidecar.
func NormalizedEmit(e Emitter, instID InstID, ops []Operand) error {
	b := e.Base()
	if b.lastError != nil {
		return b.lastError
	}
	if len(ops) > 6 {
		return b.SetLastError(ErrTooManyOperands)
	}
	var o [4]Operand
	copy(o[:], ops)
	if len(ops) > 4 {
		b.SetOp4(ops[4])
	}
	if len(ops) > 5 {
		b.SetOp5(ops[5])
	}
	return e.EmitInst(instID, o[0], o[1], o[2], o[3])
}
