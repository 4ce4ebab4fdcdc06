//go:build linux && amd64

package cmds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unsafe"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/ptserver/pkg/config"
	"github.com/go-delve/ptserver/pkg/logflags"
	"github.com/go-delve/ptserver/pkg/proc"
	"github.com/go-delve/ptserver/pkg/proc/native"
	"github.com/go-delve/ptserver/pkg/threadmgr"
	"github.com/go-delve/ptserver/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of layers that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// breaks are the addresses of the breakpoints planted after setup.
	breaks []string
	// hardware plants the breakpoints in the debug registers.
	hardware bool
	// workingDir is the working directory for running the program.
	workingDir string
	// redirect captures the output of the launched program.
	redirect bool
	// tty runs the launched program on a pseudo terminal.
	tty bool
	// verbose prints the build information with version.
	verbose bool

	conf *config.Config
)

const ptserverCommandLongDesc = `ptserver controls a process through ptrace.

It attaches to or launches a process, plants breakpoints and reports every
event of the traced process tree until it exits or an interrupt is requested
with Ctrl-C.

Pass the program and its arguments to launch after ` + "`--`" + `, for example:

` + "`ptserver launch --break 0x401000 -- ./hello world`"

// New returns an initialized command tree.
func New() *cobra.Command {
	var err error
	conf, err = config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	if conf == nil {
		conf = &config.Config{}
	}

	rootCommand := &cobra.Command{
		Use:          "ptserver",
		Short:        "ptserver is a ptrace inferior control server.",
		Long:         ptserverCommandLongDesc,
		SilenceUsage: true,
	}
	addLogFlags(rootCommand.PersistentFlags())

	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to a running process.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid pid: %s", args[0])
			}
			return execute(func() (*native.InferiorHandle, error) {
				return native.Attach(pid, conf)
			}, false)
		},
	}
	addBreakFlags(attachCommand.Flags())
	rootCommand.AddCommand(attachCommand)

	launchCommand := &cobra.Command{
		Use:   "launch -- program [args...]",
		Short: "Start a program under ptrace.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := native.LaunchOptions{Dir: workingDir, RedirectOutput: redirect, TTY: tty}
			return execute(func() (*native.InferiorHandle, error) {
				return native.Launch(args, opts, conf)
			}, true)
		},
	}
	addBreakFlags(launchCommand.Flags())
	launchCommand.Flags().StringVar(&workingDir, "wd", "", "Working directory for running the program.")
	launchCommand.Flags().BoolVar(&redirect, "redirect", false, "Capture the output of the program and log it.")
	launchCommand.Flags().BoolVar(&tty, "tty", false, "Run the program on a new pseudo terminal.")
	rootCommand.AddCommand(launchCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "signals",
		Short: "Print the signal numbers used by the server.",
		Run: func(cmd *cobra.Command, args []string) {
			printSignals(cmd, native.GetSignalInfo())
		},
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "handshake",
		Short: "Run one thread manager round trip in process.",
		Long: `Starts a thread manager in process, registers the calling thread and
performs one acquire and release round trip, printing every notification.
The round trip is bounded by the handshake-timeout configuration key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogging(); err != nil {
				return err
			}
			defer logflags.Close()
			return handshake(cmd, conf.HandshakeTimeout)
		},
	})

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ptserver\n%s\n", version.String())
			if verbose {
				fmt.Fprintln(cmd.OutOrStdout(), version.Modules())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

func addLogFlags(fs *pflag.FlagSet) {
	fs.BoolVarP(&log, "log", "", false, "Enable server logging.")
	fs.StringVarP(&logOutput, "log-output", "", "", "Comma separated list of layers that should produce debug output: ptrace, breakpoints, wait, threadmgr, server or all.")
	fs.StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor.")
}

// setupLogging configures logflags from the command line, falling back to
// the log-output configuration key when --log is given alone.
func setupLogging() error {
	out := logOutput
	if log && out == "" && conf != nil {
		out = conf.LogOutput
	}
	return logflags.Setup(log, out, logDest)
}

func addBreakFlags(fs *pflag.FlagSet) {
	fs.StringSliceVarP(&breaks, "break", "b", nil, "Plant a one shot breakpoint at the given address.")
	fs.BoolVar(&hardware, "hw", false, "Use hardware breakpoints.")
}

func parseAddrs(addrs []string) ([]uint64, error) {
	r := make([]uint64, 0, len(addrs))
	for _, s := range addrs {
		addr, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		r = append(r, addr)
	}
	return r, nil
}

func printSignals(cmd *cobra.Command, si proc.SignalInfo) {
	out := cmd.OutOrStdout()
	for _, e := range []struct {
		name string
		sig  int
	}{
		{"kill", si.Kill},
		{"stop", si.Stop},
		{"int", si.Int},
		{"chld", si.Chld},
		{"prof", si.Prof},
		{"pwr", si.Pwr},
		{"xcpu", si.Xcpu},
		{"thread-abort", si.ThreadAbort},
		{"thread-restart", si.ThreadRestart},
		{"thread-debug", si.ThreadDebug},
		{"runtime-thread-debug", si.RuntimeThreadDebug},
	} {
		fmt.Fprintf(out, "%-22s %d\n", e.name, e.sig)
	}
}

func execute(open func() (*native.InferiorHandle, error), launched bool) error {
	if err := setupLogging(); err != nil {
		return err
	}
	defer logflags.Close()

	addrs, err := parseAddrs(breaks)
	if err != nil {
		return err
	}

	h, err := open()
	if err != nil {
		return err
	}
	if err := h.SetupInferior(); err != nil {
		if launched {
			h.Kill()
		}
		return err
	}
	if !h.SetupThreadManager() {
		fmt.Fprintln(os.Stderr, "Warning: children of the process will not be traced")
	}
	if h.Stdout != nil {
		go logOutputOf("stdout", h.Stdout)
		go logOutputOf("stderr", h.Stderr)
	}

	s := native.NewServer(h)
	logger := logflags.ServerLogger().WithField("session", s.SessionID().String())
	logger.Infof("tracing pid %d", h.Pid())

	for _, addr := range addrs {
		insert := s.InsertBreakpoint
		if hardware {
			insert = s.InsertHardwareBreakpoint
		}
		bp, err := insert(0, addr)
		if err != nil {
			s.Close(launched)
			return fmt.Errorf("could not set breakpoint at %#x: %v", addr, err)
		}
		fmt.Printf("%s\n", bp)
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	go func() {
		for range ch {
			if err := h.Interrupt(); err != nil {
				logger.Errorf("interrupt: %v", err)
			}
		}
	}()

	if err := h.Continue(0); err != nil {
		s.Close(launched)
		return err
	}
	return eventLoop(s, launched)
}

func eventLoop(s *native.Server, launched bool) error {
	for {
		ev, err := s.Wait()
		if errors.Is(err, proc.ErrNoChildren) {
			return nil
		}
		if err != nil {
			s.Close(launched)
			return err
		}
		fmt.Println(ev)

		if ev.Interrupted {
			return s.Close(launched)
		}
		if ev.Kind != proc.EventStopped {
			continue
		}
		if ev.Breakpoint != nil {
			if err := s.RemoveBreakpoint(ev.Breakpoint.ID); err != nil {
				fmt.Fprintf(os.Stderr, "could not remove %s: %v\n", ev.Breakpoint, err)
			}
		}
		if ev.Cause.NewChild() {
			if child, ok := s.Handle(ev.NewPid); ok {
				if err := child.Continue(0); err != nil {
					fmt.Fprintf(os.Stderr, "could not resume child %d: %v\n", ev.NewPid, err)
				}
			}
		}
		h, ok := s.Handle(ev.Pid)
		if !ok {
			continue
		}
		if err := h.Continue(signalToDeliver(ev)); err != nil && proc.Code(err) != proc.ErrNotStopped {
			s.Close(launched)
			return err
		}
	}
}

// signalToDeliver returns the signal a stopped process is resumed with.
// Traps and stops belong to the tracer, everything else goes back to the
// process.
func signalToDeliver(ev *proc.Event) int {
	switch syscall.Signal(ev.Signal) {
	case syscall.SIGTRAP, syscall.SIGSTOP:
		return 0
	}
	return ev.Signal
}

func logOutputOf(name string, r io.Reader) {
	buf := make([]byte, 4096)
	logger := logflags.ServerLogger().WithField("stream", name)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			logger.Info(strings.TrimRight(string(buf[:n]), "\n"))
		}
		if err != nil {
			return
		}
	}
}

func handshake(cmd *cobra.Command, timeout time.Duration) error {
	out := cmd.OutOrStdout()
	m := threadmgr.New(threadmgr.NotifierFunc(func(tid int, entry uintptr) {
		fmt.Fprintf(out, "notify tid=%d entry=%#x\n", tid, entry)
	}), threadmgr.WithTimeout(timeout))

	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		<-done
	}()
	go func() { done <- m.Run(ctx) }()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	start := time.Now()
	if err := m.AcquireGlobalThreadLock(); err != nil {
		return err
	}
	var stackTop int
	m.AddThread(sys.Gettid(), uintptr(unsafe.Pointer(&stackTop)), 0)
	m.PushAllStacks(func(lo, hi uintptr) {
		fmt.Fprintf(out, "stack %#x-%#x\n", lo, hi)
	})
	if err := m.ReleaseGlobalThreadLock(); err != nil {
		return err
	}
	fmt.Fprintf(out, "round trips completed in %v\n", time.Since(start))
	return nil
}
