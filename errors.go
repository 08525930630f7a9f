package asmkit

import "errors"

// Error values returned by the write-API. The first failure is latched into
// the emitter's last-error state; see BaseEmitter.SetLastError.
var (
	// ErrNoHeapMemory is returned when a zone allocation fails or the label
	// table is full. A fixed code buffer that cannot grow reports
	// ErrCodeTooLarge instead.
	ErrNoHeapMemory = errors.New("no heap memory")
	// ErrInvalidArch is returned when an emitter is attached to a CodeHolder
	// whose architecture it does not support.
	ErrInvalidArch = errors.New("invalid architecture")
	// ErrInvalidState is returned when an operation is called in a state
	// where it cannot proceed, for example ending a function that was never
	// opened, or attaching an emitter that is attached elsewhere.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidLabel is returned when a label id was not created by the
	// CodeHolder the operation runs against.
	ErrInvalidLabel = errors.New("invalid label")
	// ErrLabelAlreadyBound is returned on the second bind of the same label.
	ErrLabelAlreadyBound = errors.New("label already bound")
	// ErrInvalidVirtID is returned when an operand refers to a virtual
	// register not owned by the compiler.
	ErrInvalidVirtID = errors.New("invalid virtual register id")
	// ErrCodeTooLarge is returned when a fixed-size buffer cannot hold the
	// code being emitted.
	ErrCodeTooLarge = errors.New("code too large")
	// ErrSlotAlreadyTaken is returned when a second direct encoder is
	// attached to a CodeHolder.
	ErrSlotAlreadyTaken = errors.New("direct encoder slot already taken")
	// ErrInvalidInstruction is returned by encoders and validators for an
	// unknown instruction id.
	ErrInvalidInstruction = errors.New("invalid instruction")
	// ErrInvalidOperand is returned by encoders and validators when an
	// operand combination cannot be encoded.
	ErrInvalidOperand = errors.New("invalid operand")
	// ErrTooManyOperands is returned when more than six operands are passed
	// to Emit.
	ErrTooManyOperands = errors.New("too many operands")
	// ErrNotFinalized names the state of a deferred emitter that still holds
	// unserialized nodes. CodeHolder.Relocate does not check for that state
	// and does not return this error.
	ErrNotFinalized = errors.New("emitter not finalized")
)

// ErrorHandler intercepts errors about to be latched into an emitter's
// last-error state. HandleError is called synchronously before the latch;
// returning true marks the error handled, which suppresses the latch but not
// the error return to the caller.
type ErrorHandler interface {
	HandleError(err error, message string, origin Emitter) bool
}

// ErrorHandlerFunc adapts a function to the ErrorHandler interface.
type ErrorHandlerFunc func(err error, message string, origin Emitter) bool

// HandleError implements ErrorHandler.HandleError.
func (f ErrorHandlerFunc) HandleError(err error, message string, origin Emitter) bool {
	return f(err, message, origin)
}
