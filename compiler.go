package asmkit

import "fmt"

// ConstScope selects where Compiler.NewConst pools a constant.
type ConstScope uint8

const (
	// ConstScopeLocal pools are flushed right after the current function's
	// exit label by EndFunc.
	ConstScopeLocal ConstScope = iota
	// ConstScopeGlobal pools are flushed at the end of the stream by
	// Finalize.
	ConstScopeGlobal
)

// Compiler is the builder specialization that records virtual registers and
// function boundaries, then runs a register-allocation pass over the node
// list before serializing into a direct encoder.
type Compiler struct {
	Builder

	vRegs []*VirtReg
	fn    *Node // the currently open function

	localConstPool  *Node
	globalConstPool *Node

	pass     Pass
	passZone *Zone
}

var _ Emitter = (*Compiler)(nil)

// NewCompiler returns a compiler attached to code.
func NewCompiler(code *CodeHolder) (*Compiler, error) {
	cc := &Compiler{pass: &regAllocPass{}, passZone: NewZone(16 * 1024)}
	cc.initBuilder(cc, EmitterCompiler)
	if code != nil {
		if err := code.Attach(cc); err != nil {
			return nil, err
		}
	}
	return cc, nil
}

// OnDetach implements Emitter.OnDetach.
func (cc *Compiler) OnDetach(code *CodeHolder) error {
	cc.vRegs = nil
	cc.fn = nil
	cc.localConstPool = nil
	cc.globalConstPool = nil
	cc.passZone.Reset(false)
	return cc.Builder.OnDetach(code)
}

// SetPass replaces the register-allocation pass run by Finalize.
func (cc *Compiler) SetPass(p Pass) { cc.pass = p }

// NewVirtReg creates a virtual register of the given type. The returned
// register's operand carries a packed id rewritten to a physical register
// by the allocation pass.
func (cc *Compiler) NewVirtReg(t TypeID, name string) *VirtReg {
	index := uint32(len(cc.vRegs))
	v := &VirtReg{
		id:     PackID(index),
		typeID: t,
		size:   TypeSize(t, cc.codeInfo.Arch.GpSize),
		name:   name,
		physID: physIDNone,
	}
	cc.vRegs = append(cc.vRegs, v)
	return v
}

// NewGp32 creates a 32-bit GP virtual register.
func (cc *Compiler) NewGp32(name string) *VirtReg { return cc.NewVirtReg(TypeI32, name) }

// NewGp64 creates a 64-bit GP virtual register.
func (cc *Compiler) NewGp64(name string) *VirtReg { return cc.NewVirtReg(TypeI64, name) }

// NewGpz creates a GP virtual register of the architecture's native size.
func (cc *Compiler) NewGpz(name string) *VirtReg { return cc.NewVirtReg(TypePtr, name) }

// VirtRegByID resolves a packed virtual-register id, nil if not owned by
// this compiler.
func (cc *Compiler) VirtRegByID(id uint32) *VirtReg {
	if !IsPackedID(id) {
		return nil
	}
	index := int(UnpackID(id))
	if index >= len(cc.vRegs) {
		return nil
	}
	return cc.vRegs[index]
}

// IsVirtRegValid reports whether op is a register operand carrying a
// virtual id owned by this compiler.
func (cc *Compiler) IsVirtRegValid(op Operand) bool {
	return op.IsVirtReg() && cc.VirtRegByID(op.Reg()) != nil
}

// VirtRegs returns all virtual registers created so far.
func (cc *Compiler) VirtRegs() []*VirtReg { return cc.vRegs }

// Func returns the currently open function node, nil between functions.
func (cc *Compiler) Func() *Node { return cc.fn }

// NewFunc creates a function node for sign without adding it to the list:
// the node is registered as a label, owns a fresh exit label and an end
// sentinel, and has its natural stack alignment overridden by the holder's
// CodeInfo. On failure the error is latched and nil returned.
func (cc *Compiler) NewFunc(sign FuncSignature) *Node {
	if cc.lastError != nil {
		return nil
	}

	fn := &FuncData{}
	n := &Node{typ: NodeFunc, fn: fn}
	if err := cc.registerLabelNode(n); err != nil {
		cc.SetLastError(err)
		return nil
	}

	exit, err := cc.NewLabelNode()
	if err != nil {
		cc.SetLastError(err)
		return nil
	}
	fn.exitNode = exit
	fn.end = cc.NewSentinelNode()

	if err := fn.detail.Init(sign, cc.codeInfo); err != nil {
		cc.SetLastError(err)
		return nil
	}
	fn.detail.callConv.NaturalStackAlignment = cc.codeInfo.StackAlignment

	if count := fn.detail.ArgCount(); count != 0 {
		fn.args = make([]*VirtReg, count)
	}
	return n
}

// AddFunc creates the function and appends its frame to the list: the
// function node, the exit label and the end sentinel. The cursor is put
// back on the function node, so emitted code lands inside the frame.
func (cc *Compiler) AddFunc(sign FuncSignature) *Node {
	n := cc.NewFunc(sign)
	if n == nil {
		return nil
	}

	cc.fn = n
	cc.AddNode(n)
	cursor := cc.Cursor()
	cc.AddNode(n.fn.exitNode)
	cc.AddNode(n.fn.end)
	cc.SetCursor(cursor)
	return n
}

// EndFunc closes the currently open function: the cursor moves to the exit
// label, an accumulated local constant pool is appended after it, the
// function is marked finished and the cursor lands on the end sentinel.
func (cc *Compiler) EndFunc() error {
	if cc.lastError != nil {
		return cc.lastError
	}
	n := cc.fn
	if n == nil {
		return cc.SetLastError(fmt.Errorf("%w: no open function", ErrInvalidState))
	}

	cc.SetCursor(n.fn.exitNode)
	if cc.localConstPool != nil {
		cc.AddNode(cc.localConstPool)
		cc.localConstPool = nil
	}

	n.fn.finished = true
	cc.fn = nil

	cc.SetCursor(n.fn.end)
	return nil
}

// SetArg records the virtual register carried by op at argument slot i of
// the currently open function.
func (cc *Compiler) SetArg(i int, op Operand) error {
	if cc.fn == nil {
		return cc.SetLastError(fmt.Errorf("%w: no open function", ErrInvalidState))
	}
	if !cc.IsVirtRegValid(op) {
		return cc.SetLastError(ErrInvalidVirtID)
	}
	cc.fn.fn.SetArg(i, cc.VirtRegByID(op.Reg()))
	return nil
}

// NewRet creates a function-return node carrying up to two return-value
// operands without adding it to the list.
func (cc *Compiler) NewRet(o0, o1 Operand) *Node {
	opCount := 0
	if !o0.IsNone() {
		opCount = 1
	}
	if !o1.IsNone() {
		opCount = 2
	}
	ops := cc.allocOperands(opCount)
	if opCount > 0 && ops == nil {
		cc.SetLastError(ErrNoHeapMemory)
		return nil
	}
	if opCount > 0 {
		ops[0] = o0
	}
	if opCount > 1 {
		ops[1] = o1
	}
	n := &Node{typ: NodeFuncRet, ops: ops}
	n.flags |= FlagIsRet
	return n
}

// AddRet creates and appends a function-return node.
func (cc *Compiler) AddRet(o0, o1 Operand) *Node {
	n := cc.NewRet(o0, o1)
	if n == nil {
		return nil
	}
	cc.AddNode(n)
	return n
}

// NewCall creates a call-site node without adding it to the list. Its
// operand array holds the call target in slot 0 followed by one slot per
// declared argument, populated with SetCallArg.
func (cc *Compiler) NewCall(target Operand, sign FuncSignature) *Node {
	ops := cc.allocOperands(1 + len(sign.Args))
	if ops == nil {
		cc.SetLastError(ErrNoHeapMemory)
		return nil
	}
	ops[0] = target

	fn := &FuncData{}
	if err := fn.detail.Init(sign, cc.codeInfo); err != nil {
		cc.SetLastError(err)
		return nil
	}
	return &Node{typ: NodeCall, instID: instIDCall(cc.Arch()), ops: ops, fn: fn}
}

// AddCall creates and appends a call-site node.
func (cc *Compiler) AddCall(target Operand, sign FuncSignature) *Node {
	n := cc.NewCall(target, sign)
	if n == nil {
		return nil
	}
	cc.AddNode(n)
	return n
}

// NewConst pools data in the local or global constant pool and returns a
// label-relative memory operand addressing it.
func (cc *Compiler) NewConst(scope ConstScope, data []byte) (Operand, error) {
	if cc.lastError != nil {
		return NoOperand, cc.lastError
	}

	var pool **Node
	switch scope {
	case ConstScopeLocal:
		pool = &cc.localConstPool
	case ConstScopeGlobal:
		pool = &cc.globalConstPool
	default:
		return NoOperand, cc.SetLastError(fmt.Errorf("%w: unknown const scope %d", ErrInvalidState, scope))
	}

	if *pool == nil {
		n, err := cc.NewConstPoolNode()
		if err != nil {
			return NoOperand, cc.SetLastError(err)
		}
		*pool = n
	}
	off := (*pool).pool.Add(data)
	return NewLabelMem((*pool).Label(), int64(off)), nil
}

// Finalize implements Emitter.Finalize: the global constant pool is
// flushed, the register-allocation pass rewrites the node list, and the
// result is serialized into the holder's direct encoder (or a transient
// one).
func (cc *Compiler) Finalize() error {
	if cc.lastError != nil {
		return cc.lastError
	}
	if cc.code == nil {
		return cc.SetLastError(ErrInvalidState)
	}

	if cc.globalConstPool != nil {
		cc.SetCursor(cc.LastNode())
		cc.AddNode(cc.globalConstPool)
		cc.globalConstPool = nil
	}

	if cc.pass != nil {
		err := cc.pass.Process(cc, cc.passZone)
		cc.passZone.Reset(false)
		if err != nil {
			return cc.SetLastError(err)
		}
	}

	return cc.finalizeInto()
}

// instIDCall resolves the architecture's call instruction id through the
// registered traits.
func instIDCall(arch ArchType) InstID {
	if traits := TraitsOf(arch); traits != nil {
		return traits.Call
	}
	return 0
}
