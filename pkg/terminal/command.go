package terminal

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"

	"github.com/go-delve/cfiwalk/pkg/proc"
)

type cmdfunc func(t *Term, args []string) error

type command struct {
	aliases []string
	helpMsg string
	cmdFn   cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands of the interactive prompt.
type Commands struct {
	cmds []command
}

const defaultDisassembleCount = 10

// CFICommands returns the commands for exploring the call frame
// information of an object.
func CFICommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"row", "r"}, cmdFn: rowCommand, helpMsg: `Prints the CFI row of a location.

	row <location>

The location is an address or a symbol name, optionally followed by an offset: main+0x10.`},
		{aliases: []string{"fde"}, cmdFn: fdeCommand, helpMsg: `Prints the FDE and CIE covering a location.

	fde <location>`},
		{aliases: []string{"disassemble", "disass"}, cmdFn: disassembleCommand, helpMsg: `Disassembler.

	disassemble <location> [count]

Prints count instructions starting at location, 10 if count is not specified.`},
		{aliases: []string{"symbols", "funcs"}, cmdFn: symbolsCommand, helpMsg: `Prints the function symbols of the object.

	symbols [prefix]

If prefix starts with '~' symbols are matched fuzzily.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: "Exit the prompt."},
	}

	sort.Sort(ByFirstAlias(c.cmds))
	return c
}

// ByFirstAlias will sort by the first
// alias of a command.
type ByFirstAlias []command

func (a ByFirstAlias) Len() int           { return len(a) }
func (a ByFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a ByFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

func noCmdAvailable(t *Term, args []string) error {
	return errors.New("command not available")
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
func (c *Commands) Find(cmdstr string) cmdfunc {
	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}
	return noCmdAvailable
}

// Call splits cmdstr into words and executes the command it names.
func (c *Commands) Call(cmdstr string, t *Term) error {
	words, err := splitArgs(cmdstr)
	if err != nil {
		return err
	}
	if len(words) == 0 {
		return nil
	}
	return c.Find(strings.ToLower(words[0]))(t, words[1:])
}

func splitArgs(cmdstr string) ([]string, error) {
	v, err := argv.Argv(cmdstr,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) > 1 {
		return nil, fmt.Errorf("illegal command line '%s'", cmdstr)
	}
	if len(v) == 0 {
		return nil, nil
	}
	return v[0], nil
}

func (c *Commands) help(t *Term, args []string) error {
	if len(args) > 0 {
		for _, cmd := range c.cmds {
			if cmd.match(args[0]) {
				fmt.Fprintln(t.stdout, cmd.helpMsg)
				return nil
			}
		}
		return noCmdAvailable(t, args)
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")
	w := tabwriter.NewWriter(t.stdout, 0, 8, 0, '-', 0)
	for _, cmd := range c.cmds {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

func exitCommand(t *Term, args []string) error {
	return ExitRequestError{}
}

// parseLocation resolves an address, a symbol name or a symbol name
// followed by an offset.
func (t *Term) parseLocation(loc string) (uint64, error) {
	if addr, err := strconv.ParseUint(loc, 0, 64); err == nil {
		return addr, nil
	}
	name, off := loc, uint64(0)
	if idx := strings.LastIndex(loc, "+"); idx > 0 {
		var err error
		off, err = strconv.ParseUint(loc[idx+1:], 0, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid offset in location %q: %v", loc, err)
		}
		name = loc[:idx]
	}
	if t.symbols == nil {
		return 0, fmt.Errorf("could not find symbol %s", name)
	}
	node, ok := t.symbols.Find(name)
	if !ok {
		return 0, fmt.Errorf("could not find symbol %s", name)
	}
	return node.Meta().(proc.Symbol).Addr + off, nil
}

func (t *Term) processLocation(args []string, maxArgs int) (uint64, error) {
	if len(args) == 0 {
		return 0, errors.New("not enough arguments")
	}
	if len(args) > maxArgs {
		return 0, errors.New("too many arguments")
	}
	if t.ctx == nil {
		return 0, errors.New("no object loaded")
	}
	return t.parseLocation(args[0])
}

func rowCommand(t *Term, args []string) error {
	pc, err := t.processLocation(args, 1)
	if err != nil {
		return err
	}
	if err := t.ctx.Process(pc); err != nil {
		return err
	}
	sym, ok := t.obj.ClosestSymbol(pc)
	fmt.Fprintf(t.stdout, "%#016x in %s\n", pc, t.formatSymbol(sym, ok))
	fmt.Fprintf(t.stdout, "\t%s\n", FormatRow(t.ctx))
	return nil
}

func fdeCommand(t *Term, args []string) error {
	pc, err := t.processLocation(args, 1)
	if err != nil {
		return err
	}
	fdes, err := t.obj.FrameEntries()
	if err != nil {
		return err
	}
	fde, err := fdes.FDEForPC(pc)
	if err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, FormatFDE(fde))
	if err := t.ctx.Process(pc); err != nil {
		fmt.Fprintf(t.stdout, "\t%s\n", t.highlight(ansiRed, err.Error()))
		return nil
	}
	fmt.Fprintf(t.stdout, "\t%s\n", FormatRow(t.ctx))
	return nil
}

func disassembleCommand(t *Term, args []string) error {
	pc, err := t.processLocation(args, 2)
	if err != nil {
		return err
	}
	count := defaultDisassembleCount
	if len(args) > 1 {
		count, err = strconv.Atoi(args[1])
		if err != nil || count <= 0 {
			return fmt.Errorf("invalid count %q", args[1])
		}
	}
	dv, err := Disassemble(t.obj, t.obj, pc, count, pc)
	if err != nil {
		return err
	}
	disasmPrint(dv, t.stdout, "")
	return nil
}

func symbolsCommand(t *Term, args []string) error {
	if len(args) > 1 {
		return errors.New("too many arguments")
	}
	if t.symbols == nil {
		return errors.New("no object loaded")
	}
	var names []string
	switch {
	case len(args) == 0:
		names = t.symbols.Keys()
	case strings.HasPrefix(args[0], "~"):
		names = t.symbols.FuzzySearch(args[0][1:])
	default:
		names = t.symbols.PrefixSearch(args[0])
	}
	sort.Strings(names)
	for _, name := range names {
		node, _ := t.symbols.Find(name)
		fmt.Fprintf(t.stdout, "%#016x %s\n", node.Meta().(proc.Symbol).Addr, name)
	}
	return nil
}
