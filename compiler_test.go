package asmkit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testSignature(args ...TypeID) FuncSignature {
	return FuncSignature{CallConv: CallConvX64SysV, Ret: TypeI64, Args: args}
}

func TestCompilerNewVirtReg(t *testing.T) {
	_, cc := newTestCompiler(t)

	x := cc.NewGp64("x")
	y := cc.NewGp32("y")

	require.True(t, IsPackedID(x.ID()))
	require.Equal(t, uint32(0), UnpackID(x.ID()))
	require.Equal(t, uint32(1), UnpackID(y.ID()))
	require.Equal(t, uint8(8), x.Size())
	require.Equal(t, uint8(4), y.Size())
	require.Equal(t, "x", x.Name())
	require.False(t, x.IsAssigned())

	op := x.Op()
	require.True(t, op.IsVirtReg())
	require.True(t, cc.IsVirtRegValid(op))
	require.Same(t, x, cc.VirtRegByID(op.Reg()))

	require.False(t, cc.IsVirtRegValid(NewReg(0, 8)))
	require.Nil(t, cc.VirtRegByID(PackID(5)))
}

func TestCompilerAddFunc(t *testing.T) {
	_, cc := newTestCompiler(t)

	fn := cc.AddFunc(testSignature(TypeI64, TypeI64))
	require.NotNil(t, fn)
	require.Same(t, fn, cc.Func())
	require.Equal(t, NodeFunc, fn.Type())
	require.True(t, IsPackedID(fn.LabelID()))

	// The frame is func, exit label, end sentinel, with the cursor back on
	// the function node.
	nodes := listNodes(&cc.Builder)
	require.Equal(t, []*Node{fn, fn.Func().ExitNode(), fn.Func().End()}, nodes)
	require.Equal(t, NodeLabel, fn.Func().ExitNode().Type())
	require.Equal(t, NodeSentinel, fn.Func().End().Type())
	require.Same(t, fn, cc.Cursor())
	require.False(t, fn.Func().IsFinished())
	require.Equal(t, 2, fn.Func().Detail().ArgCount())

	// The natural stack alignment is overridden by the holder's CodeInfo.
	require.Equal(t, uint8(16), fn.Func().Detail().CallConv().NaturalStackAlignment)
}

func TestCompilerBodyLandsInsideFrame(t *testing.T) {
	_, cc := newTestCompiler(t)

	fn := cc.AddFunc(testSignature())
	require.NoError(t, cc.Emit(testInstMov, NewReg(0, 8), NewImm(1)))
	require.NoError(t, cc.EndFunc())

	nodes := listNodes(&cc.Builder)
	require.Equal(t, 4, len(nodes))
	require.Same(t, fn, nodes[0])
	require.Equal(t, NodeInst, nodes[1].Type())
	require.Same(t, fn.Func().ExitNode(), nodes[2])
	require.Same(t, fn.Func().End(), nodes[3])
}

func TestCompilerEndFunc(t *testing.T) {
	_, cc := newTestCompiler(t)

	fn := cc.AddFunc(testSignature())
	require.NoError(t, cc.EndFunc())

	require.True(t, fn.Func().IsFinished())
	require.Nil(t, cc.Func())
	require.Same(t, fn.Func().End(), cc.Cursor())

	// Ending without an open function is a state error.
	err := cc.EndFunc()
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCompilerEndFuncFlushesLocalConstPool(t *testing.T) {
	_, cc := newTestCompiler(t)

	fn := cc.AddFunc(testSignature())
	mem, err := cc.NewConst(ConstScopeLocal, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	require.True(t, mem.HasLabelBase())
	require.NoError(t, cc.EndFunc())

	// The pool lands between the exit label and the end sentinel.
	nodes := listNodes(&cc.Builder)
	require.Equal(t, 4, len(nodes))
	require.Same(t, fn.Func().ExitNode(), nodes[1])
	require.Equal(t, NodeConstPool, nodes[2].Type())
	require.Same(t, fn.Func().End(), nodes[3])
	require.Equal(t, mem.MemBase(), nodes[2].LabelID())
}

func TestCompilerNewConstDedup(t *testing.T) {
	_, cc := newTestCompiler(t)
	cc.AddFunc(testSignature())

	a, err := cc.NewConst(ConstScopeGlobal, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	b, err := cc.NewConst(ConstScopeGlobal, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestCompilerSetArg(t *testing.T) {
	_, cc := newTestCompiler(t)

	fn := cc.AddFunc(testSignature(TypeI64, TypeI64))
	x := cc.NewGp64("x")
	require.NoError(t, cc.SetArg(0, x.Op()))
	require.Same(t, x, fn.Func().Arg(0))
	require.Nil(t, fn.Func().Arg(1))

	err := cc.SetArg(1, NewReg(0, 8))
	require.ErrorIs(t, err, ErrInvalidVirtID)
}

func TestCompilerSetArgOutsideFunc(t *testing.T) {
	_, cc := newTestCompiler(t)
	x := cc.NewGp64("x")
	require.ErrorIs(t, cc.SetArg(0, x.Op()), ErrInvalidState)
}

func TestCompilerAddRet(t *testing.T) {
	_, cc := newTestCompiler(t)
	cc.AddFunc(testSignature())

	x := cc.NewGp64("x")
	n := cc.AddRet(x.Op(), NoOperand)
	require.NotNil(t, n)
	require.Equal(t, NodeFuncRet, n.Type())
	require.True(t, n.HasFlag(FlagIsRet))
	require.Equal(t, 1, n.OpCount())
	require.Equal(t, x.Op(), n.Ops()[0])
}

func TestCompilerAddCall(t *testing.T) {
	_, cc := newTestCompiler(t)
	cc.AddFunc(testSignature())

	target := cc.NewLabel()
	n := cc.AddCall(target.Op(), testSignature(TypeI64, TypeI64))
	require.NotNil(t, n)
	require.Equal(t, NodeCall, n.Type())
	require.Equal(t, testInstCall, n.InstID())

	// Operand array: target plus one slot per argument.
	require.Equal(t, 3, n.OpCount())
	require.Equal(t, target.Op(), n.CallTarget())

	x := cc.NewGp64("x")
	n.SetCallArg(0, x.Op())
	n.SetCallArg(1, NewImm(7))
	require.Equal(t, x.Op(), n.CallArg(0))
	require.Equal(t, NewImm(7), n.CallArg(1))
}

func TestRegAllocPassArgsAndLocals(t *testing.T) {
	_, cc := newTestCompiler(t)

	cc.AddFunc(testSignature(TypeI64, TypeI64))
	x := cc.NewGp64("x")
	y := cc.NewGp64("y")
	require.NoError(t, cc.SetArg(0, x.Op()))
	require.NoError(t, cc.SetArg(1, y.Op()))

	tmp := cc.NewGp64("tmp")
	require.NoError(t, cc.Emit(testInstMov, tmp.Op(), x.Op()))
	require.NoError(t, cc.Emit(testInstAdd, tmp.Op(), y.Op()))
	require.NoError(t, cc.EndFunc())

	pass := &regAllocPass{}
	require.NoError(t, pass.Process(cc, NewZone(1024)))

	// Arguments are pinned to the SysV registers DI and SI.
	require.Equal(t, uint8(7), x.PhysID())
	require.Equal(t, uint8(6), y.PhysID())
	require.True(t, tmp.IsAssigned())

	nodes := listNodes(&cc.Builder)
	mov, add := nodes[1], nodes[2]
	require.Equal(t, NewReg(uint32(tmp.PhysID()), 8), mov.Ops()[0])
	require.Equal(t, NewReg(7, 8), mov.Ops()[1])
	require.Equal(t, NewReg(6, 8), add.Ops()[1])
	for _, n := range nodes {
		for _, op := range n.Ops() {
			require.False(t, op.IsVirtReg())
		}
	}
}

func TestRegAllocPassMemOperands(t *testing.T) {
	_, cc := newTestCompiler(t)

	cc.AddFunc(testSignature(TypeI64))
	base := cc.NewGp64("base")
	require.NoError(t, cc.SetArg(0, base.Op()))
	require.NoError(t, cc.Emit(testInstMov, NewReg(0, 8), NewMem(base.ID(), 16)))
	require.NoError(t, cc.EndFunc())

	require.NoError(t, (&regAllocPass{}).Process(cc, NewZone(1024)))

	mem := listNodes(&cc.Builder)[1].Ops()[1]
	require.Equal(t, uint32(7), mem.MemBase())
}

func TestRegAllocPassRejectsVirtRegOutsideFunc(t *testing.T) {
	_, cc := newTestCompiler(t)

	x := cc.NewGp64("x")
	require.NoError(t, cc.Emit(testInstMov, x.Op(), NewImm(1)))

	err := (&regAllocPass{}).Process(cc, NewZone(1024))
	require.ErrorIs(t, err, ErrInvalidVirtID)
}

func TestRegAllocPassOutOfRegisters(t *testing.T) {
	_, cc := newTestCompiler(t)

	cc.AddFunc(testSignature())
	for i := 0; i < 15; i++ {
		v := cc.NewGp64("v")
		require.NoError(t, cc.Emit(testInstMov, v.Op(), NewImm(int64(i))))
	}
	require.NoError(t, cc.EndFunc())

	err := (&regAllocPass{}).Process(cc, NewZone(1024))
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCompilerDetachResets(t *testing.T) {
	code, cc := newTestCompiler(t)

	cc.AddFunc(testSignature())
	cc.NewGp64("x")
	require.NoError(t, code.Detach(cc))

	require.Nil(t, cc.Func())
	require.Empty(t, cc.VirtRegs())
	require.Nil(t, cc.FirstNode())
}
