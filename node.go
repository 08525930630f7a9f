package asmkit

// NodeType discriminates the node kinds of the deferred builder's list.
type NodeType uint8

const (
	NodeNone NodeType = iota
	NodeInst
	NodeJump
	NodeCall
	NodeLabel
	NodeFunc
	NodeAlign
	NodeData
	NodeConstPool
	NodeComment
	NodeSentinel
	NodeFuncRet
)

// String implements fmt.Stringer.
func (t NodeType) String() (ret string) {
	switch t {
	case NodeInst:
		ret = "inst"
	case NodeJump:
		ret = "jump"
	case NodeCall:
		ret = "call"
	case NodeLabel:
		ret = "label"
	case NodeFunc:
		ret = "func"
	case NodeAlign:
		ret = "align"
	case NodeData:
		ret = "data"
	case NodeConstPool:
		ret = "constpool"
	case NodeComment:
		ret = "comment"
	case NodeSentinel:
		ret = "sentinel"
	case NodeFuncRet:
		ret = "funcret"
	default:
		ret = "none"
	}
	return
}

// NodeFlags carry per-node properties used by passes and by the
// node-removed bookkeeping.
type NodeFlags uint8

const (
	FlagIsJmp NodeFlags = 1 << iota
	FlagIsJcc
	FlagIsTaken
	FlagIsRet
)

// dataInlineSize is the largest data payload stored inside the node itself;
// larger payloads are duplicated into the builder's data zone.
const dataInlineSize = 16

// Node is one element of a builder's doubly-linked list. A single struct
// carries all specializations, discriminated by Type; the kind-specific
// accessors document which fields participate. Nodes are created by the
// owning builder's factories, added to the list at most once, and remain
// owned by the builder until it is reset.
type Node struct {
	prev, next *Node

	typ     NodeType
	flags   NodeFlags
	options Options

	// comment is the inline annotation captured at emit time; for
	// NodeComment it is the comment text itself.
	comment string

	// Inst / Jump / Call / FuncRet.
	instID InstID
	ops    []Operand

	// Label / Func / ConstPool.
	labelID uint32
	from    *Node // head of the chain of jumps targeting this label
	numRefs int

	// Jump.
	target   *Node
	jumpNext *Node // next jump in the target's from chain

	// Align.
	alignMode AlignMode
	alignment uint32

	// Data.
	data   []byte
	inline [dataInlineSize]byte

	// ConstPool.
	pool *ConstPool

	// Func / Call.
	fn *FuncData
}

// FuncData is the payload of a function-boundary node.
type FuncData struct {
	detail   FuncDetail
	exitNode *Node // label bound at the function epilogue
	end      *Node // sentinel terminating the function's body
	args     []*VirtReg
	finished bool
}

// Detail returns the lowered signature.
func (f *FuncData) Detail() *FuncDetail { return &f.detail }

// ExitNode returns the label node bound at the function epilogue.
func (f *FuncData) ExitNode() *Node { return f.exitNode }

// End returns the sentinel node terminating the function.
func (f *FuncData) End() *Node { return f.end }

// Arg returns the virtual register bound to argument slot i, nil if unset.
func (f *FuncData) Arg(i int) *VirtReg {
	if i < len(f.args) {
		return f.args[i]
	}
	return nil
}

// SetArg binds a virtual register to argument slot i.
func (f *FuncData) SetArg(i int, v *VirtReg) {
	if i < len(f.args) {
		f.args[i] = v
	}
}

// IsFinished reports whether EndFunc closed the function.
func (f *FuncData) IsFinished() bool { return f.finished }

// Prev returns the previous node in the list, nil for the first node.
func (n *Node) Prev() *Node { return n.prev }

// Next returns the next node in the list, nil for the last node.
func (n *Node) Next() *Node { return n.next }

// Type returns the node kind.
func (n *Node) Type() NodeType { return n.typ }

// Flags returns the node flags.
func (n *Node) Flags() NodeFlags { return n.flags }

// HasFlag reports whether all bits of f are set.
func (n *Node) HasFlag(f NodeFlags) bool { return n.flags&f == f }

// IsJmpOrJcc reports whether the node is an unconditional or conditional
// jump.
func (n *Node) IsJmpOrJcc() bool { return n.flags&(FlagIsJmp|FlagIsJcc) != 0 }

// Options returns the instruction options captured at emit time.
func (n *Node) Options() Options { return n.options }

// SetOptions replaces the captured instruction options.
func (n *Node) SetOptions(o Options) { n.options = o }

// InlineComment returns the annotation captured at emit time.
func (n *Node) InlineComment() string { return n.comment }

// InstID returns the instruction id of an Inst, Jump or Call node.
func (n *Node) InstID() InstID { return n.instID }

// Ops returns the node's operand array. The array is owned by the builder's
// zone; callers must not retain it past a reset.
func (n *Node) Ops() []Operand { return n.ops }

// OpCount returns the number of operands.
func (n *Node) OpCount() int { return len(n.ops) }

// LabelID returns the packed label id of a Label, Func or ConstPool node.
func (n *Node) LabelID() uint32 { return n.labelID }

// Label returns the node's label.
func (n *Node) Label() Label { return NewLabelFromID(n.labelID) }

// From returns the head of the chain of jump nodes targeting this label.
func (n *Node) From() *Node { return n.from }

// NumRefs returns the length of the from chain.
func (n *Node) NumRefs() int { return n.numRefs }

// Target returns the resolved target label node of a jump, nil when the
// jump is unfollowed.
func (n *Node) Target() *Node { return n.target }

// JumpNext returns the next jump in the target label's from chain.
func (n *Node) JumpNext() *Node { return n.jumpNext }

// AlignMode returns the mode of an Align node.
func (n *Node) AlignMode() AlignMode { return n.alignMode }

// Alignment returns the alignment of an Align node.
func (n *Node) Alignment() uint32 { return n.alignment }

// Data returns the payload of a Data node.
func (n *Node) Data() []byte { return n.data }

// ConstPool returns the pool of a ConstPool node.
func (n *Node) ConstPool() *ConstPool { return n.pool }

// Func returns the function payload of a Func node, or of the function a
// Call node belongs to when set.
func (n *Node) Func() *FuncData { return n.fn }

// CallTarget returns the call-target operand of a Call node.
func (n *Node) CallTarget() Operand {
	if len(n.ops) > 0 {
		return n.ops[0]
	}
	return NoOperand
}

// CallArg returns call argument i of a Call node.
func (n *Node) CallArg(i int) Operand {
	if i+1 < len(n.ops) {
		return n.ops[i+1]
	}
	return NoOperand
}

// SetCallArg populates call argument slot i of a Call node.
func (n *Node) SetCallArg(i int, op Operand) {
	if i+1 < len(n.ops) {
		n.ops[i+1] = op
	}
}
