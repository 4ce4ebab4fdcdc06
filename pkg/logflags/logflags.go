package logflags

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var ptrace = false
var breakpoints = false
var wait = false
var threadMgr = false
var server = false

var logOut io.WriteCloser

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Formatter = textFormatter()
	if logOut != nil {
		logger.Logger.Out = logOut
	} else {
		logger.Logger.Out = colorable.NewColorableStderr()
	}
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		// Failures classified as unknown command errors are always reported.
		logger.Logger.Level = logrus.ErrorLevel
	}
	return logger
}

func textFormatter() *logrus.TextFormatter {
	f := &logrus.TextFormatter{FullTimestamp: true}
	if logOut != nil {
		f.DisableColors = true
		if file, ok := logOut.(*os.File); ok && isatty.IsTerminal(file.Fd()) {
			f.DisableColors = false
		}
	} else if !isatty.IsTerminal(os.Stderr.Fd()) {
		f.DisableColors = true
	}
	return f
}

// Ptrace returns true if the native layer should log every ptrace request.
func Ptrace() bool {
	return ptrace
}

// PtraceLogger returns a logger for the register and memory accessors.
func PtraceLogger() *logrus.Entry {
	return makeLogger(ptrace, logrus.Fields{"layer": "ptrace"})
}

// Breakpoints returns true if the breakpoint manager should log.
func Breakpoints() bool {
	return breakpoints
}

// BreakpointsLogger returns a logger for the breakpoint manager.
func BreakpointsLogger() *logrus.Entry {
	return makeLogger(breakpoints, logrus.Fields{"layer": "breakpoints"})
}

// Wait returns true if the event loop should log every status change.
func Wait() bool {
	return wait
}

// WaitLogger returns a logger for the wait/event loop.
func WaitLogger() *logrus.Entry {
	return makeLogger(wait, logrus.Fields{"layer": "wait"})
}

// ThreadMgr returns true if the thread manager handshake should be logged.
func ThreadMgr() bool {
	return threadMgr
}

// ThreadMgrLogger returns a logger for the thread manager.
func ThreadMgrLogger() *logrus.Entry {
	return makeLogger(threadMgr, logrus.Fields{"layer": "threadmgr"})
}

// Server returns true if the server facade should log.
func Server() bool {
	return server
}

// ServerLogger returns a logger for the server facade.
func ServerLogger() *logrus.Entry {
	return makeLogger(server, logrus.Fields{"layer": "server"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "ptserver-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logOut != nil {
		log.SetOutput(logOut)
	}
	if logstr == "" {
		logstr = "server"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch strings.TrimSpace(logcmd) {
		case "ptrace":
			ptrace = true
		case "breakpoints":
			breakpoints = true
		case "wait":
			wait = true
		case "threadmgr":
			threadMgr = true
		case "server":
			server = true
		case "all":
			ptrace, breakpoints, wait, threadMgr, server = true, true, true, true, true
		default:
			return fmt.Errorf("unknown log layer %q", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
		logOut = nil
	}
}
