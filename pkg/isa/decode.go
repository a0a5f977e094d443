package isa

import (
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// Site is one decoded instruction.
type Site struct {
	Addr uint64
	Len  int
	Op   x86asm.Op
	// Text is the Intel syntax rendering, or "(bad)" for undecodable bytes.
	Text string
	Bad  bool
}

// Disassemble decodes code loaded at base. mode is 16, 32 or 64. Bytes that
// do not decode become one byte "(bad)" sites and decoding resumes after them.
func Disassemble(code []byte, mode int, base uint64) ([]Site, error) {
	switch mode {
	case 16, 32, 64:
	default:
		return nil, errors.Errorf("invalid processor mode %d", mode)
	}

	var sites []Site
	for off := 0; off < len(code); {
		addr := base + uint64(off)
		inst, err := x86asm.Decode(code[off:], mode)
		if err != nil || inst.Len == 0 {
			sites = append(sites, Site{Addr: addr, Len: 1, Text: "(bad)", Bad: true})
			off++
			continue
		}
		sites = append(sites, Site{
			Addr: addr,
			Len:  inst.Len,
			Op:   inst.Op,
			Text: x86asm.IntelSyntax(inst, addr, nil),
		})
		off += inst.Len
	}
	return sites, nil
}

// IsReturn reports whether s leaves the current function.
func (s Site) IsReturn() bool {
	switch s.Op {
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return !s.Bad
	}
	return false
}

// IsCall reports whether s is a call.
func (s Site) IsCall() bool {
	return !s.Bad && (s.Op == x86asm.CALL || s.Op == x86asm.LCALL)
}

// TimerSites returns the sites where a function timer is started and stopped:
// the first instruction, and every return.
func TimerSites(sites []Site) (entry *Site, exits []Site) {
	for i := range sites {
		if sites[i].Bad {
			continue
		}
		if entry == nil {
			entry = &sites[i]
		}
		if sites[i].IsReturn() {
			exits = append(exits, sites[i])
		}
	}
	return entry, exits
}
