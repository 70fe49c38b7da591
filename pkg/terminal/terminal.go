package terminal

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/derekparker/trie"
	"github.com/go-delve/liner"

	"github.com/go-delve/cfiwalk/pkg/config"
	"github.com/go-delve/cfiwalk/pkg/proc"
)

const (
	historyFile                 string = ".cfiwalk_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiRed    = 31
	ansiYellow = 33
	ansiBlue   = 34
)

// Object is an ELF object explored by the interactive terminal.
type Object interface {
	proc.Library
	proc.MemoryReader
	proc.SymbolResolver
	Symbols() []proc.Symbol
}

// Term represents the terminal running cfiwalk.
type Term struct {
	conf   *config.Config
	prompt string
	line   *liner.State
	cmds   *Commands
	stdout io.Writer
	colors bool

	obj     Object
	ctx     *proc.CFIContext
	symbols *trie.Trie
}

// New returns a new Term writing to out. Colors are used if out is a
// terminal.
func New(out *os.File, conf *config.Config) *Term {
	if conf == nil {
		conf = &config.Config{}
	}
	w, colors := colorableWriter(out)
	return &Term{
		conf:   conf,
		prompt: "(cfiwalk) ",
		cmds:   CFICommands(),
		stdout: w,
		colors: colors,
	}
}

// NewWriter returns a new Term writing to w, without colors.
func NewWriter(w io.Writer, conf *config.Config) *Term {
	if conf == nil {
		conf = &config.Config{}
	}
	return &Term{
		conf:   conf,
		prompt: "(cfiwalk) ",
		cmds:   CFICommands(),
		stdout: w,
	}
}

// Stdout returns the writer used by the terminal.
func (t *Term) Stdout() io.Writer {
	return t.stdout
}

// SetObject sets the object explored by the interactive commands and
// indexes its symbols.
func (t *Term) SetObject(obj Object) error {
	ctx, err := proc.NewCFIContext(obj)
	if err != nil {
		return err
	}
	t.ctx.Close()
	t.obj = obj
	t.ctx = ctx
	t.symbols = trie.New()
	for _, sym := range obj.Symbols() {
		if _, ok := t.symbols.Find(sym.Name); !ok {
			t.symbols.Add(sym.Name, sym)
		}
	}
	return nil
}

// Close releases the line editor and the CFI context.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
		t.line = nil
	}
	t.ctx.Close()
	t.ctx = nil
}

// Run starts the interactive prompt over the object set with SetObject.
func (t *Term) Run() (int, error) {
	if t.obj == nil {
		return 1, fmt.Errorf("no object loaded")
	}
	t.line = liner.NewLiner()
	defer t.Close()

	t.line.SetCompleter(t.complete)

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}

	t.line.ReadHistory(f)
	f.Close()
	fmt.Fprintf(t.stdout, "Exploring %s. Type 'help' for list of commands.\n", t.obj.Name())

	defer func() {
		if f, err := os.Create(fullHistoryFile); err == nil {
			t.line.WriteHistory(f)
			f.Close()
		}
	}()

	for {
		cmdstr, err := t.line.Prompt(t.prompt)
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return 0, nil
			}
			if err == liner.ErrPromptAborted {
				continue
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}

		if strings.TrimSpace(cmdstr) == "" {
			continue
		}
		t.line.AppendHistory(cmdstr)

		if err := t.Call(cmdstr); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return 0, nil
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

// Call executes a single command.
func (t *Term) Call(cmdstr string) error {
	return t.cmds.Call(cmdstr, t)
}

// complete completes command names, and symbol names for the arguments of
// commands.
func (t *Term) complete(line string) (c []string) {
	cmd, arg, hasArg := strings.Cut(line, " ")
	if !hasArg {
		for _, cmd := range t.cmds.cmds {
			for _, alias := range cmd.aliases {
				if strings.HasPrefix(alias, strings.ToLower(line)) {
					c = append(c, alias)
				}
			}
		}
		return
	}
	if t.symbols == nil || arg == "" {
		return
	}
	for _, name := range t.symbols.PrefixSearch(arg) {
		c = append(c, cmd+" "+name)
	}
	return
}

func (t *Term) highlight(color int, s string) string {
	if !t.colors {
		return s
	}
	return fmt.Sprintf(terminalHighlightEscapeCode, color) + s + terminalResetEscapeCode
}

// ExitRequestError is returned when the user exits the interactive prompt.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}
