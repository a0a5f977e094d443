// Package isa describes the x86 register file and instruction mnemonics used
// when choosing where timers are inserted. The tables are read only.
package isa

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/arch/x86/x86asm"
)

// Class groups registers by role.
type Class int

const (
	ClassNone Class = iota
	ClassGPR
	ClassIP
	ClassFPU
	ClassMMX
	ClassXMM
	ClassSegment
	ClassSystem
	ClassControl
	ClassDebug
	ClassTask
)

var classNames = [...]string{
	ClassNone:    "none",
	ClassGPR:     "gpr",
	ClassIP:      "ip",
	ClassFPU:     "fpu",
	ClassMMX:     "mmx",
	ClassXMM:     "xmm",
	ClassSegment: "segment",
	ClassSystem:  "system",
	ClassControl: "control",
	ClassDebug:   "debug",
	ClassTask:    "task",
}

func (c Class) String() string {
	if c < 0 || int(c) >= len(classNames) {
		return fmt.Sprintf("Class(%d)", int(c))
	}
	return classNames[c]
}

// RegInfo associates a register with its size in bytes and display name.
type RegInfo struct {
	Reg   x86asm.Reg
	Name  string
	Size  int
	Class Class
}

func (i RegInfo) String() string {
	return fmt.Sprintf("%s(%d)", i.Name, i.Size)
}

// Describe returns the size, name and class of r.
func Describe(r x86asm.Reg) (RegInfo, bool) {
	size, class := sizeOf(r)
	if class == ClassNone {
		return RegInfo{}, false
	}
	return RegInfo{Reg: r, Name: r.String(), Size: size, Class: class}, true
}

func sizeOf(r x86asm.Reg) (int, Class) {
	switch {
	case x86asm.AL <= r && r <= x86asm.R15B:
		return 1, ClassGPR
	case x86asm.AX <= r && r <= x86asm.R15W:
		return 2, ClassGPR
	case x86asm.EAX <= r && r <= x86asm.R15L:
		return 4, ClassGPR
	case x86asm.RAX <= r && r <= x86asm.R15:
		return 8, ClassGPR
	case r == x86asm.IP:
		return 2, ClassIP
	case r == x86asm.EIP:
		return 4, ClassIP
	case r == x86asm.RIP:
		return 8, ClassIP
	case x86asm.F0 <= r && r <= x86asm.F7:
		return 10, ClassFPU
	case x86asm.M0 <= r && r <= x86asm.M7:
		return 8, ClassMMX
	case x86asm.X0 <= r && r <= x86asm.X15:
		return 16, ClassXMM
	case x86asm.ES <= r && r <= x86asm.GS:
		return 2, ClassSegment
	case r == x86asm.GDTR || r == x86asm.IDTR:
		return 10, ClassSystem
	case r == x86asm.LDTR || r == x86asm.MSW || r == x86asm.TASK:
		return 2, ClassSystem
	case x86asm.CR0 <= r && r <= x86asm.CR15:
		return 8, ClassControl
	case x86asm.DR0 <= r && r <= x86asm.DR15:
		return 8, ClassDebug
	case x86asm.TR0 <= r && r <= x86asm.TR7:
		return 4, ClassTask
	}
	return 0, ClassNone
}

var (
	regOnce   sync.Once
	regTable  []RegInfo
	regByName map[string]RegInfo
)

func loadRegisters() {
	regByName = make(map[string]RegInfo)
	for r := x86asm.AL; r <= x86asm.TR7; r++ {
		info, ok := Describe(r)
		if !ok {
			continue
		}
		regTable = append(regTable, info)
		regByName[strings.ToUpper(info.Name)] = info
	}
}

// Registers returns every known register in encoding order.
func Registers() []RegInfo {
	regOnce.Do(loadRegisters)
	return append([]RegInfo(nil), regTable...)
}

// RegisterByName looks a register up by name, ignoring case.
func RegisterByName(name string) (RegInfo, bool) {
	regOnce.Do(loadRegisters)
	info, ok := regByName[strings.ToUpper(name)]
	return info, ok
}

// Widen returns the 64-bit general purpose register that r aliases, or r
// itself when it is not a general purpose register.
func Widen(r x86asm.Reg) x86asm.Reg {
	switch {
	case x86asm.AL <= r && r <= x86asm.BL:
		return x86asm.RAX + (r - x86asm.AL)
	case x86asm.AH <= r && r <= x86asm.R15B:
		// AH..BH alias the low four, SPB onwards follow in order
		return x86asm.RAX + (r - x86asm.AH)
	case x86asm.AX <= r && r <= x86asm.R15W:
		return x86asm.RAX + (r - x86asm.AX)
	case x86asm.EAX <= r && r <= x86asm.R15L:
		return x86asm.RAX + (r - x86asm.EAX)
	}
	return r
}
