package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-delve/cfiwalk/pkg/config"
	"github.com/go-delve/cfiwalk/pkg/logflags"
	"github.com/go-delve/cfiwalk/pkg/proc"
	"github.com/go-delve/cfiwalk/pkg/proc/linutil"
	"github.com/go-delve/cfiwalk/pkg/proc/native"
	"github.com/go-delve/cfiwalk/pkg/terminal"
	"github.com/go-delve/cfiwalk/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// depth is the maximum number of caller frames printed per thread.
	depth int
	// disassemble prints the instruction at the PC of each frame.
	disassemble bool
	// showCFA prints the CFA and the CFI row of each frame.
	showCFA bool
	// interactive starts a prompt for the cfi command.
	interactive bool

	rootCommand *cobra.Command

	conf *config.Config
)

const cfiwalkCommandLongDesc = `cfiwalk prints the native stack traces of the threads of a running process.

Frames are unwound with the DWARF call frame information (.eh_frame and
.debug_frame) of the libraries loaded by the process. Code without call
frame information, such as JIT compiled code, is unwound by following the
chain of saved frame pointers.

The configuration file is read from $HOME/.cfiwalk/config.yml, or from the
directory named by $CFIWALK_CONFIG_DIR.`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main cfiwalk root command.
	rootCommand = &cobra.Command{
		Use:   "cfiwalk",
		Short: "cfiwalk prints native stack traces using DWARF call frame information.",
		Long:  cfiwalkCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (unwind, cfi, native, config).`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor.")

	rootCommand.PersistentFlags().IntVarP(&depth, "depth", "d", config.DefaultMaxStackDepth, "Maximum number of caller frames printed for each thread.")
	rootCommand.PersistentFlags().BoolVarP(&disassemble, "disassemble", "", false, "Print the instruction at the PC of each frame.")
	rootCommand.PersistentFlags().BoolVarP(&showCFA, "show-cfa", "", false, "Print the canonical frame address and the CFI row of each frame.")

	// 'stack' subcommand.
	stackCommand := &cobra.Command{
		Use:   "stack pid",
		Short: "Prints the stack traces of the threads of a running process.",
		Long: `Attaches to a running process, prints the stack trace of each of its threads and detaches.

The process is stopped while its stacks are read. Attaching requires the
permission to ptrace the process.`,
		Args: cobra.ExactArgs(1),
		Run:  stackCmd,
	}
	rootCommand.AddCommand(stackCommand)

	// 'cfi' subcommand.
	cfiCommand := &cobra.Command{
		Use:   "cfi path [location]",
		Short: "Prints the call frame information of an ELF file.",
		Long: `Prints the CFI row covering a location of an ELF file.

The location is a file address or a function symbol, optionally followed by
an offset: main+0x10. With --interactive a prompt is started to explore the
call frame information of the file.`,
		Args: cobra.RangeArgs(1, 2),
		Run:  cfiCmd,
	}
	cfiCommand.Flags().BoolVarP(&interactive, "interactive", "i", false, "Start an interactive prompt.")
	rootCommand.AddCommand(cfiCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cfiwalk\n%s\n", version.CfiwalkVersion)
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				fmt.Printf("%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolP("verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// applyFlags overrides the configuration with the flags set on the command
// line.
func applyFlags(flags *pflag.FlagSet, conf *config.Config) {
	if flags.Changed("depth") {
		d := depth
		conf.MaxStackDepth = &d
	}
	if flags.Changed("disassemble") {
		conf.Disassemble = disassemble
	}
	if flags.Changed("show-cfa") {
		conf.ShowCFA = showCFA
	}
}

func execute(cmd *cobra.Command, fn func() error) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()
	applyFlags(cmd.Flags(), conf)

	if err := fn(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

func stackCmd(cmd *cobra.Command, args []string) {
	os.Exit(execute(cmd, func() error {
		pid, err := strconv.Atoi(args[0])
		if err != nil || pid <= 0 {
			return fmt.Errorf("invalid pid: %s", args[0])
		}
		dbp, err := native.Attach(pid, native.Config{
			LibraryCacheSize:     conf.GetLibraryCacheSize(),
			DebugInfoDirectories: conf.DebugInfoDirectories,
		})
		if err != nil {
			return fmt.Errorf("could not attach to pid %d: %v", pid, err)
		}
		term := terminal.New(os.Stdout, conf)
		printErr := printStacks(term, term.Stdout(), dbp, dbp.Threads())
		if err := dbp.Detach(); err != nil {
			return errors.Join(printErr, fmt.Errorf("could not detach from pid %d: %v", pid, err))
		}
		return printErr
	}))
}

// thread is a stopped thread whose registers can be read.
type thread interface {
	Registers() (*linutil.AMD64Registers, error)
}

// printStacks prints the stack trace of each thread of dbg. A thread whose
// registers can not be read, or whose stack trace is interrupted, is
// reported inline and does not stop the listing.
func printStacks(term *terminal.Term, out io.Writer, dbg proc.Debugger, threads []*native.Thread) error {
	if len(threads) == 0 {
		return errors.New("no threads")
	}
	for _, th := range threads {
		printThreadStack(term, out, dbg, th.ID, th)
	}
	return nil
}

func printThreadStack(term *terminal.Term, out io.Writer, dbg proc.Debugger, tid int, th thread) {
	fmt.Fprintf(out, "Thread %d:\n", tid)
	regs, err := th.Registers()
	if err != nil {
		term.PrintStackError(out, fmt.Errorf("could not read registers: %v", err), "  ")
		return
	}
	if conf.ShowCFA {
		term.PrintRegisters(out, regs.DwarfRegisters(), "  ")
	}
	frames, err := proc.Stacktrace(dbg, regs.PC(), regs, conf.GetMaxStackDepth())
	term.PrintStack(out, frames, dbg, "  ")
	if err != nil {
		term.PrintStackError(out, err, "  ")
	}
	for _, f := range frames {
		f.Release()
	}
}

func cfiCmd(cmd *cobra.Command, args []string) {
	os.Exit(execute(cmd, func() error {
		term := terminal.New(os.Stdout, conf)
		if interactive {
			lib, err := openObject(term, args[0])
			if err != nil {
				return err
			}
			defer lib.Close()
			_, err = term.Run()
			return err
		}
		if len(args) < 2 {
			return errors.New("a location is required unless --interactive is set")
		}
		return printCFI(term, args[0], args[1])
	}))
}

func openObject(term *terminal.Term, path string) (*linutil.ELFLibrary, error) {
	lib, err := linutil.OpenELFLibrary(path, 0, conf.DebugInfoDirectories)
	if err != nil {
		return nil, err
	}
	if err := term.SetObject(lib); err != nil {
		lib.Close()
		return nil, err
	}
	return lib, nil
}

// printCFI prints the FDE and the CFI row covering loc in the ELF file at
// path.
func printCFI(term *terminal.Term, path, loc string) error {
	lib, err := openObject(term, path)
	if err != nil {
		return err
	}
	defer lib.Close()
	defer term.Close()
	if err := term.Call("fde " + loc); err != nil {
		return err
	}
	if conf.Disassemble {
		return term.Call("disassemble " + loc + " 1")
	}
	return nil
}
