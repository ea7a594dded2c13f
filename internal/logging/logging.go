package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"

	"github.com/rollbar/rollbar-go"
	rollbarerrors "github.com/rollbar/rollbar-go/errors"
)

var (
	std       = log.New(os.Stderr, "", log.Ltime|log.Lmicroseconds)
	debug     atomic.Bool
	reporting atomic.Bool
)

// ReportConfig configures error reporting to Rollbar.
type ReportConfig struct {
	Token       string
	Environment string
	CodeVersion string
}

// Setup enables Rollbar reporting for warnings and errors when a token is set.
func Setup(cfg ReportConfig) {
	if cfg.Token == "" {
		reporting.Store(false)
		return
	}
	rollbar.SetToken(cfg.Token)
	rollbar.SetEnvironment(cfg.Environment)
	rollbar.SetCodeVersion(cfg.CodeVersion)
	rollbar.SetStackTracer(rollbarerrors.StackTracer)
	rollbar.SetEnabled(true)
	reporting.Store(true)
}

// Close flushes pending Rollbar items.
func Close() {
	if reporting.Load() {
		rollbar.Close()
	}
}

// SetOutput redirects all component loggers, e.g. to a file while the TUI owns the terminal.
func SetOutput(w io.Writer) {
	std.SetOutput(w)
}

// SetDebug toggles Debugf output.
func SetDebug(enabled bool) {
	debug.Store(enabled)
}

// Logger writes lines tagged with a component name: "[signal] connecting to ...".
type Logger struct {
	prefix string
}

// For returns the logger for a component.
func For(component string) *Logger {
	return &Logger{prefix: "[" + component + "] "}
}

func (l *Logger) Debugf(format string, args ...any) {
	if !debug.Load() {
		return
	}
	std.Printf(l.prefix+format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	std.Printf(l.prefix+format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	std.Printf(l.prefix+"warning: "+format, args...)
	if reporting.Load() {
		rollbar.Warning(l.prefix + fmt.Sprintf(format, args...))
	}
}

// Errorf logs the message; if one of args is an error it is reported with its stack.
func (l *Logger) Errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	std.Print(l.prefix + "error: " + msg)
	if !reporting.Load() {
		return
	}
	for _, a := range args {
		if err, ok := a.(error); ok {
			rollbar.Error(err, map[string]interface{}{"message": l.prefix + msg})
			return
		}
	}
	rollbar.Error(l.prefix + msg)
}
