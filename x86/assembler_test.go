package x86

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/asmkit"
)

func newTestAssembler(t *testing.T) (*asmkit.CodeHolder, *Assembler) {
	code, err := asmkit.NewCodeHolder(asmkit.NewCodeInfo(asmkit.ArchX64))
	require.NoError(t, err)
	a, err := NewAssembler(code)
	require.NoError(t, err)
	return code, a
}

func assembled(a *Assembler) []byte {
	a.Sync()
	return a.Code().Text().Buffer.Data
}

func TestAssemblerEncodings(t *testing.T) {
	for _, tc := range []struct {
		name string
		emit func(a *Assembler) error
		exp  []byte
	}{
		{
			name: "nop",
			emit: func(a *Assembler) error { return a.Emit(NOP) },
			exp:  []byte{0x90},
		},
		{
			name: "ret",
			emit: func(a *Assembler) error { return a.Emit(RET) },
			exp:  []byte{0xC3},
		},
		{
			name: "ud2",
			emit: func(a *Assembler) error { return a.Emit(UD2) },
			exp:  []byte{0x0F, 0x0B},
		},
		{
			name: "mov rax, rbx",
			emit: func(a *Assembler) error { return a.Emit(MOV, RAX, RBX) },
			exp:  []byte{0x48, 0x89, 0xD8},
		},
		{
			name: "mov eax, ebx",
			emit: func(a *Assembler) error { return a.Emit(MOV, EAX, EBX) },
			exp:  []byte{0x89, 0xD8},
		},
		{
			name: "mov r8, r9",
			emit: func(a *Assembler) error { return a.Emit(MOV, R8, R9) },
			exp:  []byte{0x4D, 0x89, 0xC8},
		},
		{
			name: "mov rax, imm32",
			emit: func(a *Assembler) error { return a.Emit(MOV, RAX, asmkit.NewImm(1)) },
			exp:  []byte{0x48, 0xC7, 0xC0, 0x01, 0x00, 0x00, 0x00},
		},
		{
			name: "mov rax, imm64",
			emit: func(a *Assembler) error { return a.Emit(MOV, RAX, asmkit.NewImm(0x123456789)) },
			exp:  []byte{0x48, 0xB8, 0x89, 0x67, 0x45, 0x23, 0x01, 0x00, 0x00, 0x00},
		},
		{
			name: "mov eax, imm",
			emit: func(a *Assembler) error { return a.Emit(MOV, EAX, asmkit.NewImm(7)) },
			exp:  []byte{0xB8, 0x07, 0x00, 0x00, 0x00},
		},
		{
			name: "mov r9d, imm",
			emit: func(a *Assembler) error { return a.Emit(MOV, Gpd(RegIDR9), asmkit.NewImm(5)) },
			exp:  []byte{0x41, 0xB9, 0x05, 0x00, 0x00, 0x00},
		},
		{
			name: "mov rax, [rbx]",
			emit: func(a *Assembler) error { return a.Emit(MOV, RAX, Ptr(RBX, 0)) },
			exp:  []byte{0x48, 0x8B, 0x03},
		},
		{
			name: "mov [rbp-8], rax",
			emit: func(a *Assembler) error { return a.Emit(MOV, Ptr(RBP, -8), RAX) },
			exp:  []byte{0x48, 0x89, 0x45, 0xF8},
		},
		{
			name: "mov rcx, [rsp]",
			emit: func(a *Assembler) error { return a.Emit(MOV, RCX, Ptr(RSP, 0)) },
			exp:  []byte{0x48, 0x8B, 0x0C, 0x24},
		},
		{
			name: "mov [rsp+16], rdx",
			emit: func(a *Assembler) error { return a.Emit(MOV, Ptr(RSP, 16), RDX) },
			exp:  []byte{0x48, 0x89, 0x54, 0x24, 0x10},
		},
		{
			name: "mov rax, [rbx+0x12345]",
			emit: func(a *Assembler) error { return a.Emit(MOV, RAX, Ptr(RBX, 0x12345)) },
			exp:  []byte{0x48, 0x8B, 0x83, 0x45, 0x23, 0x01, 0x00},
		},
		{
			name: "mov qword [rax], imm",
			emit: func(a *Assembler) error { return a.Emit(MOV, Ptr(RAX, 0), asmkit.NewImm(2)) },
			exp:  []byte{0x48, 0xC7, 0x00, 0x02, 0x00, 0x00, 0x00},
		},
		{
			name: "lea rax, [rcx+rdx*4+16]",
			emit: func(a *Assembler) error { return a.Emit(LEA, RAX, PtrIndex(RCX, RDX, 4, 16)) },
			exp:  []byte{0x48, 0x8D, 0x44, 0x91, 0x10},
		},
		{
			name: "add rax, rbx",
			emit: func(a *Assembler) error { return a.Emit(ADD, RAX, RBX) },
			exp:  []byte{0x48, 0x01, 0xD8},
		},
		{
			name: "add eax, imm32",
			emit: func(a *Assembler) error { return a.Emit(ADD, EAX, asmkit.NewImm(1000)) },
			exp:  []byte{0x81, 0xC0, 0xE8, 0x03, 0x00, 0x00},
		},
		{
			name: "sub rsp, imm8",
			emit: func(a *Assembler) error { return a.Emit(SUB, RSP, asmkit.NewImm(8)) },
			exp:  []byte{0x48, 0x83, 0xEC, 0x08},
		},
		{
			name: "cmp rdi, rsi",
			emit: func(a *Assembler) error { return a.Emit(CMP, RDI, RSI) },
			exp:  []byte{0x48, 0x39, 0xF7},
		},
		{
			name: "xor eax, eax",
			emit: func(a *Assembler) error { return a.Emit(XOR, EAX, EAX) },
			exp:  []byte{0x31, 0xC0},
		},
		{
			name: "and rax, [rbx]",
			emit: func(a *Assembler) error { return a.Emit(AND, RAX, Ptr(RBX, 0)) },
			exp:  []byte{0x48, 0x23, 0x03},
		},
		{
			name: "or [rbx], rcx",
			emit: func(a *Assembler) error { return a.Emit(OR, Ptr(RBX, 0), RCX) },
			exp:  []byte{0x48, 0x09, 0x0B},
		},
		{
			name: "test rax, rax",
			emit: func(a *Assembler) error { return a.Emit(TEST, RAX, RAX) },
			exp:  []byte{0x48, 0x85, 0xC0},
		},
		{
			name: "xchg rax, rbx",
			emit: func(a *Assembler) error { return a.Emit(XCHG, RAX, RBX) },
			exp:  []byte{0x48, 0x87, 0xD8},
		},
		{
			name: "imul rax, rbx",
			emit: func(a *Assembler) error { return a.Emit(IMUL, RAX, RBX) },
			exp:  []byte{0x48, 0x0F, 0xAF, 0xC3},
		},
		{
			name: "inc rax",
			emit: func(a *Assembler) error { return a.Emit(INC, RAX) },
			exp:  []byte{0x48, 0xFF, 0xC0},
		},
		{
			name: "dec ecx",
			emit: func(a *Assembler) error { return a.Emit(DEC, ECX) },
			exp:  []byte{0xFF, 0xC9},
		},
		{
			name: "neg rax",
			emit: func(a *Assembler) error { return a.Emit(NEG, RAX) },
			exp:  []byte{0x48, 0xF7, 0xD8},
		},
		{
			name: "not eax",
			emit: func(a *Assembler) error { return a.Emit(NOT, EAX) },
			exp:  []byte{0xF7, 0xD0},
		},
		{
			name: "push rbp",
			emit: func(a *Assembler) error { return a.Emit(PUSH, RBP) },
			exp:  []byte{0x55},
		},
		{
			name: "push r12",
			emit: func(a *Assembler) error { return a.Emit(PUSH, R12) },
			exp:  []byte{0x41, 0x54},
		},
		{
			name: "pop rbp",
			emit: func(a *Assembler) error { return a.Emit(POP, RBP) },
			exp:  []byte{0x5D},
		},
		{
			name: "push imm",
			emit: func(a *Assembler) error { return a.Emit(PUSH, asmkit.NewImm(64)) },
			exp:  []byte{0x68, 0x40, 0x00, 0x00, 0x00},
		},
		{
			name: "call rax",
			emit: func(a *Assembler) error { return a.Emit(CALL, RAX) },
			exp:  []byte{0xFF, 0xD0},
		},
		{
			name: "call r10",
			emit: func(a *Assembler) error { return a.Emit(CALL, R10) },
			exp:  []byte{0x41, 0xFF, 0xD2},
		},
		{
			name: "jmp rdx",
			emit: func(a *Assembler) error { return a.Emit(JMP, RDX) },
			exp:  []byte{0xFF, 0xE2},
		},
		{
			name: "jmp [rax+16]",
			emit: func(a *Assembler) error { return a.Emit(JMP, Ptr(RAX, 16)) },
			exp:  []byte{0xFF, 0x60, 0x10},
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, a := newTestAssembler(t)
			require.NoError(t, tc.emit(a))
			require.Equal(t, tc.exp, assembled(a))
		})
	}
}

func TestAssemblerBackwardJump(t *testing.T) {
	code, a := newTestAssembler(t)

	l := a.NewLabel()
	require.NoError(t, a.Bind(l))
	require.NoError(t, a.Emit(JMP, l.Op()))

	require.Equal(t, 0, code.LabelOffset(l.ID()))
	require.Equal(t, []byte{0xE9, 0xFB, 0xFF, 0xFF, 0xFF}, assembled(a))
}

func TestAssemblerForwardConditionalJump(t *testing.T) {
	code, a := newTestAssembler(t)

	l := a.NewLabel()
	require.NoError(t, a.Emit(JE, l.Op()))
	require.NoError(t, a.Emit(NOP))
	require.NoError(t, a.Bind(l))

	require.Equal(t, 7, code.LabelOffset(l.ID()))
	require.Equal(t, []byte{0x0F, 0x84, 0x01, 0x00, 0x00, 0x00, 0x90}, assembled(a))
}

func TestAssemblerMultipleLinksOneLabel(t *testing.T) {
	_, a := newTestAssembler(t)

	l := a.NewLabel()
	require.NoError(t, a.Emit(JE, l.Op()))  // 6 bytes
	require.NoError(t, a.Emit(JNE, l.Op())) // 6 bytes
	require.NoError(t, a.Bind(l))

	require.Equal(t, []byte{
		0x0F, 0x84, 0x06, 0x00, 0x00, 0x00,
		0x0F, 0x85, 0x00, 0x00, 0x00, 0x00,
	}, assembled(a))
}

func TestAssemblerBindTwice(t *testing.T) {
	_, a := newTestAssembler(t)

	l := a.NewLabel()
	require.NoError(t, a.Bind(l))
	require.ErrorIs(t, a.Bind(l), asmkit.ErrLabelAlreadyBound)
}

func TestAssemblerRipRelativeLea(t *testing.T) {
	code, a := newTestAssembler(t)

	l := a.NewLabel()
	require.NoError(t, a.Emit(LEA, RAX, asmkit.NewLabelMem(l, 0)))
	require.NoError(t, a.Emit(RET))
	require.NoError(t, a.Bind(l))

	require.Equal(t, 8, code.LabelOffset(l.ID()))
	require.Equal(t, []byte{
		0x48, 0x8D, 0x05, 0x01, 0x00, 0x00, 0x00, // LEA RAX, [rip+1]
		0xC3,
	}, assembled(a))
}

func TestAssemblerAlign(t *testing.T) {
	_, a := newTestAssembler(t)

	require.NoError(t, a.Emit(NOP))
	require.NoError(t, a.Align(asmkit.AlignCode, 4))
	require.Equal(t, 4, a.Offset())
	require.NoError(t, a.Align(asmkit.AlignCode, 4))
	require.Equal(t, 4, a.Offset())
	require.NoError(t, a.Align(asmkit.AlignZero, 8))
	require.Equal(t, []byte{0x90, 0x90, 0x90, 0x90, 0x00, 0x00, 0x00, 0x00}, assembled(a))

	err := a.Align(asmkit.AlignCode, 3)
	require.ErrorIs(t, err, asmkit.ErrInvalidState)
}

func TestAssemblerEmbed(t *testing.T) {
	_, a := newTestAssembler(t)

	require.NoError(t, a.Embed([]byte{1, 2, 3}))
	require.NoError(t, a.Embed(make([]byte, 8192)))
	require.Equal(t, 8195, a.Offset())
	require.Equal(t, []byte{1, 2, 3}, assembled(a)[:3])
}

func TestAssemblerEmbedConstPool(t *testing.T) {
	code, a := newTestAssembler(t)

	pool := asmkit.NewConstPool()
	pool.Add([]byte{1, 2, 3, 4, 5, 6, 7, 8})

	require.NoError(t, a.Emit(NOP))
	l := a.NewLabel()
	require.NoError(t, a.EmbedConstPool(l, pool))

	require.Equal(t, 8, code.LabelOffset(l.ID()))
	require.Equal(t, []byte{
		0x90, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		1, 2, 3, 4, 5, 6, 7, 8,
	}, assembled(a))
}

func TestAssemblerErrorLatching(t *testing.T) {
	_, a := newTestAssembler(t)

	err := a.Emit(LEA, RAX, asmkit.NewImm(1))
	require.ErrorIs(t, err, asmkit.ErrInvalidOperand)

	// Latched: nothing was written and further calls short-circuit.
	require.Equal(t, 0, a.Offset())
	require.ErrorIs(t, a.Emit(NOP), asmkit.ErrInvalidOperand)

	a.ResetLastError()
	require.NoError(t, a.Emit(NOP))
	require.Equal(t, []byte{0x90}, assembled(a))
}

func TestAssemblerStrictValidation(t *testing.T) {
	_, a := newTestAssembler(t)

	a.AddOptions(asmkit.OptionStrictValidation)
	err := a.Emit(MOV, asmkit.NewImm(1), RAX)
	require.ErrorIs(t, err, asmkit.ErrInvalidOperand)
}

func TestAssemblerFixedBuffer(t *testing.T) {
	code, err := asmkit.NewCodeHolder(asmkit.NewCodeInfo(asmkit.ArchX64))
	require.NoError(t, err)
	code.Text().Buffer = asmkit.CodeBuffer{
		Data:      make([]byte, 0, 4),
		External:  true,
		FixedSize: true,
	}

	a, err := NewAssembler(code)
	require.NoError(t, err)

	err = a.Emit(MOV, RAX, RBX)
	require.ErrorIs(t, err, asmkit.ErrCodeTooLarge)
}

func TestAssemblerX86Mode(t *testing.T) {
	code, err := asmkit.NewCodeHolder(asmkit.NewCodeInfo(asmkit.ArchX86))
	require.NoError(t, err)
	a, err := NewAssembler(code)
	require.NoError(t, err)

	// 32-bit mode: no REX prefixes.
	require.NoError(t, a.Emit(MOV, EAX, EBX))
	require.NoError(t, a.Emit(RET))
	require.Equal(t, []byte{0x89, 0xD8, 0xC3}, assembled(a))
}

func TestAssemblerPredictedJumpHint(t *testing.T) {
	code, a := newTestAssembler(t)
	_ = code

	l := a.NewLabel()
	require.NoError(t, a.Bind(l))

	// Without the global hint, no prefix is emitted even if Taken is set.
	a.AddOptions(asmkit.OptionTaken)
	require.NoError(t, a.Emit(JE, l.Op()))
	require.Equal(t, []byte{0x0F, 0x84, 0xFA, 0xFF, 0xFF, 0xFF}, assembled(a))
}
