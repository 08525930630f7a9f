// Package asmkit is a machine-code assembler toolkit for just-in-time and
// ahead-of-time code generation. A CodeHolder owns sections, labels and
// relocations; emitters attached to it either encode instructions directly
// into section buffers (the x86 package's Assembler) or record them as a
// node list for multi-pass transformation (Builder and Compiler), which is
// later replayed into an encoder and resolved into a byte-exact executable
// image with CodeHolder.Relocate.
//
// A minimal deferred pipeline looks like:
//
//	code, _ := asmkit.NewCodeHolder(asmkit.NewCodeInfo(asmkit.ArchX64))
//	cb, _ := asmkit.NewBuilder(code)
//	loop := cb.NewLabel()
//	cb.Bind(loop)
//	cb.Emit(x86.DEC, x86.RCX)
//	cb.Emit(x86.JNE, loop.Op())
//	cb.Emit(x86.RET)
//	cb.Finalize()
//
//	out := make([]byte, code.CodeSize()+code.TrampolinesSize())
//	n, _ := code.Relocate(out, baseAddress)
package asmkit
