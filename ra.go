package asmkit

import "fmt"

// Pass transforms a compiler's node list before serialization. A pass may
// insert, reorder or delete nodes but must preserve the list and
// back-reference invariants.
type Pass interface {
	Process(cc *Compiler, zone *Zone) error
}

// regAllocPass is the baseline register allocator: within each function it
// pins argument registers per the calling convention and assigns every
// other virtual register the next free allocable register, rewriting
// operands in place. It performs no liveness analysis and no spilling; a
// function using more virtual registers than the architecture provides is
// rejected.
type regAllocPass struct{}

// Process implements Pass.Process.
func (p *regAllocPass) Process(cc *Compiler, zone *Zone) error {
	for n := cc.FirstNode(); n != nil; n = n.next {
		if n.typ != NodeFunc {
			// Virtual registers are only meaningful inside a function.
			if err := checkNoVirtRegs(n); err != nil {
				return err
			}
			continue
		}
		last, err := p.processFunc(cc, n)
		if err != nil {
			return err
		}
		n = last
	}
	return nil
}

func checkNoVirtRegs(n *Node) error {
	for _, op := range n.ops {
		if op.IsVirtReg() || memUsesVirtBase(op) || memUsesVirtIndex(op) {
			return fmt.Errorf("%w: virtual register outside of function", ErrInvalidVirtID)
		}
	}
	return nil
}

func memUsesVirtBase(op Operand) bool {
	return op.IsMem() && !op.HasLabelBase() && IsPackedID(op.MemBase())
}

func memUsesVirtIndex(op Operand) bool {
	return op.IsMem() && IsPackedID(op.MemIndex())
}

// funcAlloc tracks one function's assignments.
type funcAlloc struct {
	cc   *Compiler
	conv *CallConv
	used uint32 // bitmask of taken physical ids
}

func (a *funcAlloc) assign(v *VirtReg, physID uint8) {
	v.physID = physID
	a.used |= 1 << physID
}

func (a *funcAlloc) resolve(id uint32) (uint8, error) {
	v := a.cc.VirtRegByID(id)
	if v == nil {
		return 0, ErrInvalidVirtID
	}
	if v.IsAssigned() {
		return v.physID, nil
	}
	for _, phys := range a.conv.AllocableRegs {
		if a.used&(1<<phys) == 0 {
			a.assign(v, phys)
			return phys, nil
		}
	}
	return 0, fmt.Errorf("%w: out of allocable registers", ErrInvalidState)
}

func (p *regAllocPass) processFunc(cc *Compiler, fnNode *Node) (*Node, error) {
	fn := fnNode.fn
	alloc := &funcAlloc{cc: cc, conv: fn.detail.CallConv()}

	// Arguments are pinned to their convention registers first.
	for i := 0; i < fn.detail.ArgCount(); i++ {
		v := fn.Arg(i)
		if v == nil {
			continue
		}
		if i >= len(alloc.conv.ArgRegs) {
			return nil, fmt.Errorf("%w: stack-passed argument %d", ErrInvalidState, i)
		}
		if !v.IsAssigned() {
			alloc.assign(v, alloc.conv.ArgRegs[i])
		}
	}

	end := fn.end
	for n := fnNode.next; n != nil; n = n.next {
		if n == end {
			return n, nil
		}
		if err := rewriteOps(alloc, n); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: unterminated function", ErrInvalidState)
}

func rewriteOps(alloc *funcAlloc, n *Node) error {
	ops := n.ops
	for i := range ops {
		op := &ops[i]
		switch {
		case op.IsVirtReg():
			phys, err := alloc.resolve(op.Reg())
			if err != nil {
				return err
			}
			*op = NewReg(uint32(phys), op.Size())
		case op.IsMem():
			if memUsesVirtBase(*op) {
				phys, err := alloc.resolve(op.MemBase())
				if err != nil {
					return err
				}
				op.base = uint32(phys)
			}
			if memUsesVirtIndex(*op) {
				phys, err := alloc.resolve(op.MemIndex())
				if err != nil {
					return err
				}
				op.index = uint32(phys)
			}
		}
	}
	return nil
}
