package asmkit

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// A synthetic architecture so the core can be exercised without pulling in
// a real ISA package.
const testArch = ArchType(7)

const (
	testInstMov InstID = iota + 1
	testInstAdd
	testInstCall
	testInstJcc InstID = 100
	testInstJmp InstID = 116
)

func init() {
	RegisterArch(testArch, &ArchTraits{
		JumpBegin:   100,
		JumpEnd:     117,
		Jmp:         testInstJmp,
		Call:        testInstCall,
		TakenOption: OptionTaken,
	})
}

func testCodeInfo() CodeInfo {
	return CodeInfo{
		Arch:           ArchInfo{Type: testArch, GpSize: 8, GpCount: 16},
		StackAlignment: 16,
		CdeclCallConv:  CallConvX64SysV,
		StdCallConv:    CallConvX64SysV,
		FastCallConv:   CallConvX64SysV,
		BaseAddress:    NoBaseAddress,
	}
}

func newTestHolder(t *testing.T) *CodeHolder {
	code, err := NewCodeHolder(testCodeInfo())
	require.NoError(t, err)
	return code
}

func newTestBuilder(t *testing.T) (*CodeHolder, *Builder) {
	code := newTestHolder(t)
	cb, err := NewBuilder(code)
	require.NoError(t, err)
	return code, cb
}

func newTestCompiler(t *testing.T) (*CodeHolder, *Compiler) {
	code := newTestHolder(t)
	cc, err := NewCompiler(code)
	require.NoError(t, err)
	return code, cc
}

// testSink records every write-API call it receives, for serialization
// ordering tests.
type testSink struct {
	BaseEmitter
	calls []string
}

func newTestSink(typ EmitterType) *testSink {
	s := &testSink{}
	s.Init(s, typ)
	return s
}

func (s *testSink) OnAttach(code *CodeHolder) error { return nil }
func (s *testSink) OnDetach(code *CodeHolder) error { return nil }

func (s *testSink) Emit(instID InstID, ops ...Operand) error {
	return NormalizedEmit(s, instID, ops)
}

func (s *testSink) EmitInst(instID InstID, o0, o1, o2, o3 Operand) error {
	if err := s.LastError(); err != nil {
		return err
	}
	s.calls = append(s.calls, fmt.Sprintf("emit %d %s,%s,%s,%s", instID, o0.Type(), o1.Type(), o2.Type(), o3.Type()))
	s.ResetSidecar()
	return nil
}

func (s *testSink) NewLabel() Label {
	if code := s.Code(); code != nil {
		id, err := code.NewLabelID()
		if err != nil {
			s.SetLastError(err)
			return NewLabelFromID(InvalidID)
		}
		return NewLabelFromID(id)
	}
	return NewLabelFromID(InvalidID)
}

func (s *testSink) Bind(l Label) error {
	if err := s.LastError(); err != nil {
		return err
	}
	s.calls = append(s.calls, fmt.Sprintf("bind %d", UnpackID(l.ID())))
	return nil
}

func (s *testSink) Align(mode AlignMode, alignment uint32) error {
	if err := s.LastError(); err != nil {
		return err
	}
	s.calls = append(s.calls, fmt.Sprintf("align %d %d", mode, alignment))
	return nil
}

func (s *testSink) Embed(data []byte) error {
	if err := s.LastError(); err != nil {
		return err
	}
	s.calls = append(s.calls, fmt.Sprintf("embed %d", len(data)))
	return nil
}

func (s *testSink) EmbedConstPool(l Label, pool *ConstPool) error {
	if err := s.LastError(); err != nil {
		return err
	}
	s.calls = append(s.calls, fmt.Sprintf("constpool %d %d", UnpackID(l.ID()), pool.Size()))
	return nil
}

func (s *testSink) Comment(str string) error {
	if err := s.LastError(); err != nil {
		return err
	}
	s.calls = append(s.calls, "comment "+str)
	return nil
}

func (s *testSink) Finalize() error { return s.LastError() }

// listNodes flattens the builder's list for shape assertions.
func listNodes(cb *Builder) []*Node {
	var nodes []*Node
	for n := cb.FirstNode(); n != nil; n = n.Next() {
		nodes = append(nodes, n)
	}
	return nodes
}

// requireListConsistent asserts the doubly-linked invariants of the list.
func requireListConsistent(t *testing.T, cb *Builder) {
	t.Helper()
	first, last := cb.FirstNode(), cb.LastNode()
	if first == nil {
		require.Nil(t, last)
		return
	}
	require.Nil(t, first.Prev())
	require.Nil(t, last.Next())
	for n := first; n != nil; n = n.Next() {
		if n.Prev() != nil {
			require.Same(t, n, n.Prev().Next())
		} else {
			require.Same(t, first, n)
		}
		if n.Next() != nil {
			require.Same(t, n, n.Next().Prev())
		} else {
			require.Same(t, last, n)
		}
	}
}
