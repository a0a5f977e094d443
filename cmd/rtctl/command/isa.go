package command

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/OriD-19/trazor_rt/pkg/isa"
)

type disasmParams struct {
	mode  int
	base  string
	isHex bool
}

func isaCommands() []*cobra.Command {
	var class string
	regs := &cobra.Command{
		Use:   "regs",
		Short: "List x86 registers with their sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listRegisters(cmd.OutOrStdout(), class)
		},
	}
	regs.Flags().StringVar(&class, "class", "", "only list registers of this class (gpr, xmm, control, ...)")

	ops := &cobra.Command{
		Use:   "ops [prefix]",
		Short: "List instruction mnemonics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = strings.ToUpper(args[0])
			}
			for _, name := range isa.Mnemonics() {
				if strings.HasPrefix(name, prefix) {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
			}
			return nil
		},
	}

	var params disasmParams
	disasm := &cobra.Command{
		Use:   "disasm <file|hex>",
		Short: "Disassemble machine code and mark where a function timer would start and stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return disassemble(cmd.OutOrStdout(), &params, args[0])
		},
	}
	disasm.Flags().IntVar(&params.mode, "mode", 64, "processor mode: 16, 32 or 64")
	disasm.Flags().StringVar(&params.base, "base", "0", "load address of the first byte")
	disasm.Flags().BoolVar(&params.isHex, "hex", false, "the argument is hex encoded code rather than a file")

	return []*cobra.Command{regs, ops, disasm}
}

func listRegisters(w io.Writer, class string) error {
	table := newTable(w, "register", "bytes", "class", "widens to")
	found := false
	for _, info := range isa.Registers() {
		if class != "" && !strings.EqualFold(info.Class.String(), class) {
			continue
		}
		found = true
		table.Append([]string{info.Name, strconv.Itoa(info.Size), info.Class.String(), isa.Widen(info.Reg).String()})
	}
	if !found {
		return errors.Errorf("no registers of class %q", class)
	}
	table.Render()
	return nil
}

func disassemble(w io.Writer, params *disasmParams, arg string) error {
	var code []byte
	var err error
	if params.isHex {
		code, err = hex.DecodeString(strings.Join(strings.Fields(arg), ""))
	} else {
		code, err = os.ReadFile(arg)
	}
	if err != nil {
		return errors.Wrap(err, "reading code")
	}
	base, err := strconv.ParseUint(params.base, 0, 64)
	if err != nil {
		return errors.Wrapf(err, "parsing base %q", params.base)
	}

	sites, err := isa.Disassemble(code, params.mode, base)
	if err != nil {
		return err
	}
	entry, _ := isa.TimerSites(sites)

	table := newTable(w, "address", "bytes", "instruction", "timer")
	for _, s := range sites {
		mark := ""
		switch {
		case entry != nil && s.Addr == entry.Addr:
			mark = "start"
		case s.IsReturn():
			mark = "stop"
		}
		off := s.Addr - base
		table.Append([]string{
			fmt.Sprintf("%#x", s.Addr),
			hex.EncodeToString(code[off : off+uint64(s.Len)]),
			s.Text,
			mark,
		})
	}
	table.Render()
	return nil
}
