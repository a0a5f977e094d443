package isa

import (
	"sort"
	"strings"
	"sync"

	"golang.org/x/arch/x86/x86asm"
)

// opScanLimit bounds the scan of the opcode table; it is larger than any
// opcode x86asm defines.
const opScanLimit = 1 << 12

var (
	opOnce   sync.Once
	opByName map[string]x86asm.Op
	opNames  []string
)

func loadMnemonics() {
	opByName = make(map[string]x86asm.Op)
	for op := x86asm.Op(1); op < opScanLimit; op++ {
		name := op.String()
		if strings.HasPrefix(name, "Op(") {
			continue
		}
		opByName[name] = op
		opNames = append(opNames, name)
	}
	sort.Strings(opNames)
}

// Mnemonics returns every instruction mnemonic, sorted.
func Mnemonics() []string {
	opOnce.Do(loadMnemonics)
	return append([]string(nil), opNames...)
}

// LookupMnemonic finds the opcode with the given mnemonic, ignoring case.
func LookupMnemonic(name string) (x86asm.Op, bool) {
	opOnce.Do(loadMnemonics)
	op, ok := opByName[strings.ToUpper(name)]
	return op, ok
}
