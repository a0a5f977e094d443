package isa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func TestDescribeSizes(t *testing.T) {
	cases := []struct {
		reg   x86asm.Reg
		name  string
		size  int
		class Class
	}{
		{x86asm.AL, "AL", 1, ClassGPR},
		{x86asm.AH, "AH", 1, ClassGPR},
		{x86asm.R15B, "R15B", 1, ClassGPR},
		{x86asm.AX, "AX", 2, ClassGPR},
		{x86asm.EDI, "EDI", 4, ClassGPR},
		{x86asm.RAX, "RAX", 8, ClassGPR},
		{x86asm.R9, "R9", 8, ClassGPR},
		{x86asm.RIP, "RIP", 8, ClassIP},
		{x86asm.F3, "F3", 10, ClassFPU},
		{x86asm.M7, "M7", 8, ClassMMX},
		{x86asm.X15, "X15", 16, ClassXMM},
		{x86asm.FS, "FS", 2, ClassSegment},
		{x86asm.CR3, "CR3", 8, ClassControl},
		{x86asm.DR7, "DR7", 8, ClassDebug},
		{x86asm.TR0, "TR0", 4, ClassTask},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			info, ok := Describe(tc.reg)
			require.True(t, ok)
			assert.Equal(t, tc.name, info.Name)
			assert.Equal(t, tc.size, info.Size)
			assert.Equal(t, tc.class, info.Class)
		})
	}

	_, ok := Describe(0)
	assert.False(t, ok)
}

func TestRegisters(t *testing.T) {
	regs := Registers()
	require.NotEmpty(t, regs)
	assert.Equal(t, x86asm.AL, regs[0].Reg)
	assert.Equal(t, x86asm.TR7, regs[len(regs)-1].Reg)

	info, ok := RegisterByName("rsp")
	require.True(t, ok)
	assert.Equal(t, x86asm.RSP, info.Reg)
	assert.Equal(t, "RSP(8)", info.String())

	_, ok = RegisterByName("nope")
	assert.False(t, ok)
}

func TestWiden(t *testing.T) {
	assert.Equal(t, x86asm.RAX, Widen(x86asm.AL))
	assert.Equal(t, x86asm.RAX, Widen(x86asm.AH))
	assert.Equal(t, x86asm.RBX, Widen(x86asm.BH))
	assert.Equal(t, x86asm.RSP, Widen(x86asm.SPB))
	assert.Equal(t, x86asm.R9, Widen(x86asm.R9B))
	assert.Equal(t, x86asm.RDI, Widen(x86asm.DI))
	assert.Equal(t, x86asm.R15, Widen(x86asm.R15L))
	assert.Equal(t, x86asm.R12, Widen(x86asm.R12))
	assert.Equal(t, x86asm.X1, Widen(x86asm.X1))
}

func TestMnemonics(t *testing.T) {
	op, ok := LookupMnemonic("mov")
	require.True(t, ok)
	assert.Equal(t, x86asm.MOV, op)

	_, ok = LookupMnemonic("frobnicate")
	assert.False(t, ok)

	names := Mnemonics()
	assert.Contains(t, names, "RET")
	assert.IsNonDecreasing(t, names)
}

func TestDisassemble(t *testing.T) {
	code := []byte{
		0x55,                         // push rbp
		0x48, 0x89, 0xe5,             // mov rbp, rsp
		0xe8, 0x00, 0x00, 0x00, 0x00, // call
		0x5d,                         // pop rbp
		0xc3,                         // ret
	}
	sites, err := Disassemble(code, 64, 0x1000)
	require.NoError(t, err)
	require.Len(t, sites, 5)

	assert.Equal(t, x86asm.PUSH, sites[0].Op)
	assert.Equal(t, uint64(0x1000), sites[0].Addr)
	assert.Equal(t, x86asm.MOV, sites[1].Op)
	assert.Equal(t, 3, sites[1].Len)
	assert.True(t, sites[2].IsCall())
	assert.Equal(t, uint64(0x1004), sites[2].Addr)
	assert.True(t, sites[4].IsReturn())
	assert.Equal(t, uint64(0x100a), sites[4].Addr)

	entry, exits := TimerSites(sites)
	require.NotNil(t, entry)
	assert.Equal(t, x86asm.PUSH, entry.Op)
	require.Len(t, exits, 1)
	assert.Equal(t, x86asm.RET, exits[0].Op)
}

func TestDisassembleBadBytes(t *testing.T) {
	// a lone escape byte cannot decode
	sites, err := Disassemble([]byte{0xc3, 0x0f}, 64, 0)
	require.NoError(t, err)
	require.Len(t, sites, 2)
	assert.True(t, sites[1].Bad)
	assert.Equal(t, "(bad)", sites[1].Text)
	assert.False(t, sites[1].IsReturn())
}

func TestDisassembleMode(t *testing.T) {
	_, err := Disassemble([]byte{0x90}, 8, 0)
	assert.Error(t, err)
}
