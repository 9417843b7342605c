package util

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// PanicError is reported in place of the normal result of a goroutine that panicked.
type PanicError struct {
	Component string
	Value     interface{}
	Stack     string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Component, e.Value)
}

// PanicHandler provides centralized panic recovery and logging
type PanicHandler struct {
	logger *logrus.Logger
}

// NewPanicHandler creates a new panic handler
func NewPanicHandler(logger *logrus.Logger) *PanicHandler {
	return &PanicHandler{
		logger: logger,
	}
}

func callerOf(skip int) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	if fn := runtime.FuncForPC(pc); fn != nil {
		return fmt.Sprintf("%s:%d %s", file, line, fn.Name())
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// Recover recovers from panics and logs them. It must be deferred directly.
func (ph *PanicHandler) Recover(component string) {
	if r := recover(); r != nil {
		ph.report(component, r, string(debug.Stack()), callerOf(3))
	}
}

// Guard must be deferred directly. A recovered panic is logged and handed
// to onPanic as a *PanicError so the caller can turn it into a result.
func (ph *PanicHandler) Guard(component string, onPanic func(*PanicError)) {
	r := recover()
	if r == nil {
		return
	}
	perr := &PanicError{Component: component, Value: r, Stack: string(debug.Stack())}
	ph.report(component, r, perr.Stack, callerOf(3))
	if onPanic == nil {
		return
	}
	defer func() {
		if cbPanic := recover(); cbPanic != nil {
			ph.logger.WithFields(logrus.Fields{
				"component":   component,
				"panic_value": cbPanic,
			}).Error("Panic in panic callback")
		}
	}()
	onPanic(perr)
}

func (ph *PanicHandler) report(component string, value interface{}, stack, caller string) {
	ph.logger.WithFields(logrus.Fields{
		"component":   component,
		"panic_value": value,
		"caller":      caller,
		"stack_trace": stack,
	}).Error("Panic recovered")
}

// SafeGo runs fn in a goroutine with panic recovery
func (ph *PanicHandler) SafeGo(component string, fn func()) {
	go func() {
		defer ph.Recover(component)
		fn()
	}()
}
