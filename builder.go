package asmkit

import (
	"fmt"
	"unsafe"
)

// Builder is the deferred emitter: instead of encoding, every write-API call
// appends a typed node to an intrusive doubly-linked list. The list can be
// transformed by passes and finally replayed into any other emitter with
// Serialize. Nodes, operand arrays and duplicated payloads are owned by the
// builder's zones and live until the builder is reset or detached.
type Builder struct {
	BaseEmitter

	// nodeZone backs operand arrays, dataZone duplicated comments and data
	// payloads.
	nodeZone *Zone
	dataZone *Zone

	// labelNodes is the parallel array mapping holder label indexes to
	// their label nodes, grown lazily.
	labelNodes []*Node

	first, last *Node
	cursor      *Node
}

const (
	builderNodeZoneSize = 32 * 1024
	builderDataZoneSize = 8 * 1024
)

var _ Emitter = (*Builder)(nil)

// NewBuilder returns a builder attached to code.
func NewBuilder(code *CodeHolder) (*Builder, error) {
	cb := &Builder{}
	cb.initBuilder(cb, EmitterBuilder)
	if code != nil {
		if err := code.Attach(cb); err != nil {
			return nil, err
		}
	}
	return cb, nil
}

func (cb *Builder) initBuilder(self Emitter, typ EmitterType) {
	cb.Init(self, typ)
	cb.nodeZone = NewZone(builderNodeZoneSize)
	cb.dataZone = NewZone(builderDataZoneSize)
}

// OnAttach implements Emitter.OnAttach.
func (cb *Builder) OnAttach(code *CodeHolder) error { return nil }

// OnDetach implements Emitter.OnDetach. The node list and both zones are
// discarded; every node created by this builder becomes invalid.
func (cb *Builder) OnDetach(code *CodeHolder) error {
	cb.nodeZone.Reset(false)
	cb.dataZone.Reset(false)
	cb.labelNodes = nil
	cb.first = nil
	cb.last = nil
	cb.cursor = nil
	return nil
}

// FirstNode returns the head of the node list.
func (cb *Builder) FirstNode() *Node { return cb.first }

// LastNode returns the tail of the node list.
func (cb *Builder) LastNode() *Node { return cb.last }

// Cursor returns the insertion point: new nodes are spliced immediately
// after it.
func (cb *Builder) Cursor() *Node { return cb.cursor }

// SetCursor moves the insertion point and returns the previous one. A nil
// cursor makes the next added node the new first node.
func (cb *Builder) SetCursor(n *Node) *Node {
	old := cb.cursor
	cb.cursor = n
	return old
}

// allocOperands carves an operand array out of the node zone. Operand is a
// pointer-free POD, so the zone's byte chunks can back it directly.
func (cb *Builder) allocOperands(n int) []Operand {
	if n == 0 {
		return nil
	}
	b := cb.nodeZone.Alloc(n*int(unsafe.Sizeof(Operand{})), 8)
	if b == nil {
		return nil
	}
	return unsafe.Slice((*Operand)(unsafe.Pointer(&b[0])), n)
}

// registerLabelNode assigns a fresh holder label id to n and records n in
// the parallel label array.
func (cb *Builder) registerLabelNode(n *Node) error {
	if cb.code == nil {
		return ErrInvalidState
	}
	id, err := cb.code.NewLabelID()
	if err != nil {
		return err
	}
	index := int(UnpackID(id))
	for len(cb.labelNodes) <= index {
		cb.labelNodes = append(cb.labelNodes, nil)
	}
	cb.labelNodes[index] = n
	n.labelID = id
	return nil
}

// labelNodeOf looks up, or lazily creates, the label node of an
// already-registered holder label id.
func (cb *Builder) labelNodeOf(id uint32) (*Node, error) {
	if cb.code == nil {
		return nil, ErrInvalidState
	}
	if !cb.code.IsLabelValid(id) {
		return nil, ErrInvalidLabel
	}
	index := int(UnpackID(id))
	for len(cb.labelNodes) <= index {
		cb.labelNodes = append(cb.labelNodes, nil)
	}
	n := cb.labelNodes[index]
	if n == nil {
		n = &Node{typ: NodeLabel, labelID: id}
		cb.labelNodes[index] = n
	}
	return n, nil
}

// LabelNodeOf returns the label node of a label created by this builder's
// holder, creating it if the label has no node yet.
func (cb *Builder) LabelNodeOf(l Label) (*Node, error) {
	return cb.labelNodeOf(l.ID())
}

// NewLabelNode creates a label node with a freshly registered label id. The
// node is not added to the list.
func (cb *Builder) NewLabelNode() (*Node, error) {
	n := &Node{typ: NodeLabel}
	if err := cb.registerLabelNode(n); err != nil {
		return nil, err
	}
	return n, nil
}

// NewAlignNode creates an alignment directive node.
func (cb *Builder) NewAlignNode(mode AlignMode, alignment uint32) *Node {
	return &Node{typ: NodeAlign, alignMode: mode, alignment: alignment}
}

// NewDataNode creates a data node. Payloads up to 16 bytes are stored
// inside the node; larger ones are duplicated into the data zone. A nil
// data with positive size reserves zero-initialized space. Returns nil when
// the zone is exhausted.
func (cb *Builder) NewDataNode(data []byte, size int) *Node {
	n := &Node{typ: NodeData}
	if size <= dataInlineSize {
		n.data = n.inline[:size:size]
	} else {
		b := cb.dataZone.Alloc(size, 1)
		if b == nil {
			return nil
		}
		n.data = b
	}
	if data != nil {
		copy(n.data, data)
	}
	return n
}

// NewConstPoolNode creates a constant-pool node, which is also a label node
// so the pool can be addressed. The node is not added to the list.
func (cb *Builder) NewConstPoolNode() (*Node, error) {
	n := &Node{typ: NodeConstPool, pool: NewConstPool()}
	if err := cb.registerLabelNode(n); err != nil {
		return nil, err
	}
	return n, nil
}

// NewCommentNode creates a standalone comment node, duplicating s into the
// data zone. Returns nil when the zone is exhausted.
func (cb *Builder) NewCommentNode(s string) *Node {
	dup, ok := cb.dataZone.DupString(s)
	if !ok {
		return nil
	}
	return &Node{typ: NodeComment, comment: dup}
}

// NewSentinelNode creates a sentinel node, ignored by serialization.
func (cb *Builder) NewSentinelNode() *Node {
	return &Node{typ: NodeSentinel}
}

// AddNode inserts n immediately after the cursor and makes n the new
// cursor. With a nil cursor the node is prepended and becomes the new first
// node. n must not be linked into any list.
func (cb *Builder) AddNode(n *Node) *Node {
	if cb.cursor == nil {
		if cb.first == nil {
			cb.first = n
			cb.last = n
		} else {
			n.next = cb.first
			cb.first.prev = n
			cb.first = n
		}
	} else {
		prev := cb.cursor
		next := cb.cursor.next

		n.prev = prev
		n.next = next

		prev.next = n
		if next != nil {
			next.prev = n
		} else {
			cb.last = n
		}
	}

	cb.cursor = n
	return n
}

// AddAfter splices n after ref. The cursor does not move.
func (cb *Builder) AddAfter(n, ref *Node) *Node {
	prev := ref
	next := ref.next

	n.prev = prev
	n.next = next

	prev.next = n
	if next != nil {
		next.prev = n
	} else {
		cb.last = n
	}
	return n
}

// AddBefore splices n before ref. The cursor does not move.
func (cb *Builder) AddBefore(n, ref *Node) *Node {
	prev := ref.prev
	next := ref

	n.prev = prev
	n.next = next

	next.prev = n
	if prev != nil {
		prev.next = n
	} else {
		cb.first = n
	}
	return n
}

// nodeRemoved maintains the jump back-reference index: a removed jump is
// unlinked from its target label's from chain.
func (cb *Builder) nodeRemoved(n *Node) {
	if !n.IsJmpOrJcc() {
		return
	}
	label := n.target
	if label == nil {
		return
	}
	pPrev := &label.from
	for *pPrev != nil {
		current := *pPrev
		if current == n {
			*pPrev = n.jumpNext
			label.numRefs--
			break
		}
		pPrev = &current.jumpNext
	}
}

// RemoveNode unlinks n. If n was the cursor, the cursor falls back to the
// node before n. The node keeps its payload and can be re-inserted, but a
// removed jump must be re-constructed to re-establish the back-reference
// index.
func (cb *Builder) RemoveNode(n *Node) *Node {
	prev := n.prev
	next := n.next

	if cb.first == n {
		cb.first = next
	} else {
		prev.next = next
	}
	if cb.last == n {
		cb.last = prev
	} else {
		next.prev = prev
	}

	n.prev = nil
	n.next = nil

	if cb.cursor == n {
		cb.cursor = prev
	}
	cb.nodeRemoved(n)
	return n
}

// RemoveNodes unlinks the closed range [first, last] as a block and runs
// the removal bookkeeping for each node in forward order. If the cursor was
// inside the range it falls back to the node before the range.
func (cb *Builder) RemoveNodes(first, last *Node) {
	if first == last {
		cb.RemoveNode(first)
		return
	}

	prev := first.prev
	next := last.next

	if cb.first == first {
		cb.first = next
	} else {
		prev.next = next
	}
	if cb.last == last {
		cb.last = prev
	} else {
		next.prev = prev
	}

	n := first
	for {
		following := n.next

		n.prev = nil
		n.next = nil

		if cb.cursor == n {
			cb.cursor = prev
		}
		cb.nodeRemoved(n)

		if n == last {
			break
		}
		n = following
	}
}

// Emit implements Emitter.Emit.
func (cb *Builder) Emit(instID InstID, ops ...Operand) error {
	return NormalizedEmit(cb.self, instID, ops)
}

// EmitInst implements Emitter.EmitInst: the instruction is recorded as an
// Inst node, or as a Jump node when instID falls into the architecture's
// jump range, in which case the node is linked into the target label's
// back-reference chain unless OptionUnfollow is set.
func (cb *Builder) EmitInst(instID InstID, o0, o1, o2, o3 Operand) error {
	if cb.lastError != nil {
		return cb.lastError
	}

	options := cb.options | cb.globalOptions
	comment := cb.inlineComment

	// Leading non-none operands form the canonical count, bumped by the
	// sidecar flags.
	opCount := 0
	for _, op := range [4]Operand{o0, o1, o2, o3} {
		if op.IsNone() {
			break
		}
		opCount++
	}
	if options&OptionHasOp4 != 0 {
		opCount = 5
	}
	if options&OptionHasOp5 != 0 {
		opCount = 6
	}

	traits := TraitsOf(cb.Arch())

	if options&OptionStrictValidation != 0 {
		if traits != nil && traits.Validate != nil {
			all := [6]Operand{o0, o1, o2, o3, cb.op4, cb.op5}
			if err := traits.Validate(cb.Arch(), instID, options, cb.opMask, all[:opCount]); err != nil {
				return cb.SetLastError(err)
			}
		}
		// Strict validation stays local; the serialized form must enable it
		// explicitly on the encoder side.
		options &^= OptionStrictValidation
	}

	op4, op5 := cb.op4, cb.op5
	cb.ResetSidecar()

	ops := cb.allocOperands(opCount)
	if opCount > 0 && ops == nil {
		return cb.SetLastError(ErrNoHeapMemory)
	}
	switch {
	case opCount > 5:
		ops[5] = op5
		fallthrough
	case opCount > 4:
		ops[4] = op4
	}
	all := [4]Operand{o0, o1, o2, o3}
	for i := 0; i < opCount && i < 4; i++ {
		ops[i] = all[i]
	}

	isJump := traits != nil && instID >= traits.JumpBegin && instID < traits.JumpEnd

	var n *Node
	if isJump {
		var target *Node
		if options&OptionUnfollow == 0 {
			if opCount > 0 && ops[0].IsLabel() {
				t, err := cb.labelNodeOf(ops[0].LabelID())
				if err != nil {
					return cb.SetLastError(err)
				}
				target = t
			} else {
				options |= OptionUnfollow
			}
		}

		n = &Node{typ: NodeJump, instID: instID, options: options, ops: ops}
		if instID == traits.Jmp {
			n.flags |= FlagIsJmp | FlagIsTaken
		} else {
			n.flags |= FlagIsJcc
			if options&traits.TakenOption != 0 {
				n.flags |= FlagIsTaken
			}
		}

		n.target = target
		if target != nil {
			n.jumpNext = target.from
			target.from = n
			target.numRefs++
		}
	} else {
		n = &Node{typ: NodeInst, instID: instID, options: options, ops: ops}
	}

	if comment != "" {
		dup, ok := cb.dataZone.DupString(comment)
		if !ok {
			return cb.SetLastError(ErrNoHeapMemory)
		}
		n.comment = dup
	}

	cb.AddNode(n)
	return nil
}

// NewLabel implements Emitter.NewLabel: it creates a label node with a
// fresh holder id without adding it to the list. On failure the error is
// latched and an invalid label returned.
func (cb *Builder) NewLabel() Label {
	id := InvalidID
	if cb.lastError == nil {
		n, err := cb.NewLabelNode()
		if err != nil {
			cb.SetLastError(err)
		} else {
			id = n.labelID
		}
	}
	return NewLabelFromID(id)
}

// Bind implements Emitter.Bind by appending the label's node at the cursor.
func (cb *Builder) Bind(l Label) error {
	if cb.lastError != nil {
		return cb.lastError
	}
	n, err := cb.labelNodeOf(l.ID())
	if err != nil {
		return cb.SetLastError(err)
	}
	if n.prev != nil || n.next != nil || cb.first == n {
		return cb.SetLastError(ErrLabelAlreadyBound)
	}
	cb.AddNode(n)
	return nil
}

// Align implements Emitter.Align.
func (cb *Builder) Align(mode AlignMode, alignment uint32) error {
	if cb.lastError != nil {
		return cb.lastError
	}
	cb.AddNode(cb.NewAlignNode(mode, alignment))
	return nil
}

// Embed implements Emitter.Embed.
func (cb *Builder) Embed(data []byte) error {
	if cb.lastError != nil {
		return cb.lastError
	}
	n := cb.NewDataNode(data, len(data))
	if n == nil {
		return cb.SetLastError(ErrNoHeapMemory)
	}
	cb.AddNode(n)
	return nil
}

// EmbedConstPool implements Emitter.EmbedConstPool as the composition
// align-to-pool-alignment, bind, embed pool bytes.
func (cb *Builder) EmbedConstPool(l Label, pool *ConstPool) error {
	if cb.lastError != nil {
		return cb.lastError
	}
	if !cb.IsLabelValid(l) {
		return cb.SetLastError(ErrInvalidLabel)
	}
	if err := cb.self.Align(AlignData, uint32(pool.Alignment())); err != nil {
		return err
	}
	if err := cb.self.Bind(l); err != nil {
		return err
	}
	n := cb.NewDataNode(nil, pool.Size())
	if n == nil {
		return cb.SetLastError(ErrNoHeapMemory)
	}
	pool.Fill(n.data)
	cb.AddNode(n)
	return nil
}

// Comment implements Emitter.Comment.
func (cb *Builder) Comment(s string) error {
	if cb.lastError != nil {
		return cb.lastError
	}
	n := cb.NewCommentNode(s)
	if n == nil {
		return cb.SetLastError(ErrNoHeapMemory)
	}
	cb.AddNode(n)
	return nil
}

// Serialize replays the node list, in order, as calls into dst. The first
// error returned by dst aborts the walk.
func (cb *Builder) Serialize(dst Emitter) error {
	var err error
	for n := cb.first; n != nil; n = n.next {
		dst.Base().SetInlineComment(n.comment)

		switch n.typ {
		case NodeAlign:
			err = dst.Align(n.alignMode, n.alignment)
		case NodeData:
			err = dst.Embed(n.data)
		case NodeLabel, NodeFunc:
			err = dst.Bind(n.Label())
		case NodeConstPool:
			err = dst.EmbedConstPool(n.Label(), n.pool)
		case NodeInst, NodeJump, NodeCall:
			var o [4]Operand
			ops := n.ops
			copy(o[:], ops)
			if len(ops) > 4 {
				dst.Base().SetOp4(ops[4])
			}
			if len(ops) > 5 {
				dst.Base().SetOp5(ops[5])
			}
			dst.Base().SetOptions(n.options)
			err = dst.EmitInst(n.instID, o[0], o[1], o[2], o[3])
		case NodeComment:
			err = dst.Comment(n.comment)
		default:
			// Sentinels and function-return markers produce no output.
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Finalize implements Emitter.Finalize: the node list is serialized into
// the holder's direct encoder, or into a transient one constructed for the
// holder's architecture.
func (cb *Builder) Finalize() error {
	if cb.lastError != nil {
		return cb.lastError
	}
	if cb.code == nil {
		return cb.SetLastError(ErrInvalidState)
	}
	return cb.finalizeInto()
}

func (cb *Builder) finalizeInto() error {
	dst := cb.code.asmEmitter
	if dst == nil {
		traits := TraitsOf(cb.Arch())
		if traits == nil || traits.NewAssembler == nil {
			return cb.SetLastError(fmt.Errorf("%w: no encoder for %s", ErrInvalidArch, cb.Arch()))
		}
		a, err := traits.NewAssembler(cb.code)
		if err != nil {
			return cb.SetLastError(err)
		}
		defer cb.code.Detach(a)
		dst = a
	}
	if err := cb.Serialize(dst); err != nil {
		return cb.SetLastError(err)
	}
	cb.finalized = true
	return nil
}
