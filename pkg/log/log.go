// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level describes the severity of a log message.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and os.Exit()'s with status 1.
	Fatal(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})

	// Debugf is an alias for Debug.
	Debugf(format string, args ...interface{})
	// Infof is an alias for Info.
	Infof(format string, args ...interface{})
	// Warnf is an alias for Warn.
	Warnf(format string, args ...interface{})
	// Errorf is an alias for Error.
	Errorf(format string, args ...interface{})
	// Fatalf is an alias for Fatal.
	Fatalf(format string, args ...interface{})
	// Panicf is an alias for Panic.
	Panicf(format string, args ...interface{})

	// DebugBlock formats and emits a multiline debug message.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock formats and emits a multiline information message.
	InfoBlock(prefix string, format string, args ...interface{})
	// WarnBlock formats and emits a multiline warning message.
	WarnBlock(prefix string, format string, args ...interface{})
	// ErrorBlock formats and emits a multiline error message.
	ErrorBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables debug messages for this Logger.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool

	// Source returns the source name of this Logger.
	Source() string

	// Println emits an informational message, for use as a standard logger.
	Println(v ...interface{})
	// Printf is an alias for Info.
	Printf(format string, args ...interface{})
}

// logging is our global logging state.
type logging struct {
	sync.RWMutex
	level   Level            // logging threshold
	dbgmap  srcmap           // debug configuration
	forced  bool             // debugging forced on for all sources
	prefix  bool             // prefix messages with source
	loggers map[string]*srcstate
	aligned string           // widest source name, for alignment
}

// srcstate is the runtime state of a single logger source.
type srcstate struct {
	debug bool
}

// logger implements Logger for a single source.
type logger struct {
	source string
}

var (
	log = &logging{
		level:   DefaultLevel,
		dbgmap:  make(srcmap),
		loggers: make(map[string]*srcstate),
	}
	deflog = log.get("default")
)

// Get returns the named Logger.
func Get(source string) Logger {
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return log.get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// Flush flushes any pending log messages.
func Flush() {
	klog.Flush()
}

// EnableDebug enables debug messages for the given sources.
func EnableDebug(sources ...string) {
	log.Lock()
	defer log.Unlock()
	for _, src := range sources {
		log.dbgmap[src] = true
	}
	log.updateDebug()
}

// SetupDebugToggleSignal sets up a signal handler to toggle full debugging on/off.
func SetupDebugToggleSignal(sig os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig)
	go func() {
		for range ch {
			log.Lock()
			log.forced = !log.forced
			state := log.forced
			log.updateDebug()
			log.Unlock()
			deflog.Warn("forced full debugging is now %v...", onOff(state))
		}
	}()
}

// SetStdLogger routes messages of the standard log package to the given source.
func SetStdLogger(source string) {
	var l Logger
	if source == "" {
		l = deflog
	} else {
		l = log.get(source)
	}
	stdlog.SetFlags(0)
	stdlog.SetOutput(&stdWriter{l: l})
}

type stdWriter struct {
	l Logger
}

func (w *stdWriter) Write(p []byte) (int, error) {
	w.l.Info("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func (l *logging) get(source string) logger {
	l.Lock()
	defer l.Unlock()

	if _, ok := l.loggers[source]; !ok {
		l.loggers[source] = &srcstate{debug: l.debugState(source)}
		if len(source) > len(l.aligned) {
			l.aligned = strings.Repeat(" ", len(source))
		}
	}

	return logger{source: source}
}

func (l *logging) setDbgMap(m srcmap) {
	l.dbgmap = m
	l.updateDebug()
}

func (l *logging) setPrefix(prefix bool) {
	l.prefix = prefix
}

// debugState resolves the debug state of a source from the current settings.
func (l *logging) debugState(source string) bool {
	if l.forced {
		return true
	}
	if state, ok := l.dbgmap[source]; ok {
		return state
	}
	if state, ok := l.dbgmap["*"]; ok {
		return state
	}
	return false
}

func (l *logging) updateDebug() {
	for source, state := range l.loggers {
		state.debug = l.debugState(source)
	}
}

func (l *logging) debugEnabled(source string) bool {
	l.RLock()
	defer l.RUnlock()
	if state, ok := l.loggers[source]; ok {
		return state.debug
	}
	return false
}

func (l *logging) passes(level Level) bool {
	l.RLock()
	defer l.RUnlock()
	return level >= l.level
}

func (l *logging) format(source, kind, msg string) string {
	l.RLock()
	defer l.RUnlock()
	if !l.prefix {
		return kind + msg
	}
	pad := ""
	if n := len(l.aligned) - len(source); n > 0 {
		pad = l.aligned[:n]
	}
	return kind + "[" + pad + source + "] " + msg
}

func (l logger) Source() string {
	return l.source
}

func (l logger) DebugEnabled() bool {
	return log.debugEnabled(l.source)
}

func (l logger) EnableDebug(enable bool) bool {
	log.Lock()
	defer log.Unlock()
	state, ok := log.loggers[l.source]
	if !ok {
		state = &srcstate{}
		log.loggers[l.source] = state
	}
	old := state.debug
	state.debug = enable
	log.dbgmap[l.source] = enable
	return old
}

func (l logger) Debug(format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	klog.InfoDepth(1, log.format(l.source, "D: ", fmt.Sprintf(format, args...)))
}

func (l logger) Info(format string, args ...interface{}) {
	if !log.passes(LevelInfo) {
		return
	}
	klog.InfoDepth(1, log.format(l.source, "I: ", fmt.Sprintf(format, args...)))
}

func (l logger) Warn(format string, args ...interface{}) {
	if !log.passes(LevelWarn) {
		return
	}
	klog.WarningDepth(1, log.format(l.source, "W: ", fmt.Sprintf(format, args...)))
}

func (l logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, log.format(l.source, "E: ", fmt.Sprintf(format, args...)))
}

func (l logger) Fatal(format string, args ...interface{}) {
	klog.ErrorDepth(1, log.format(l.source, "F: ", fmt.Sprintf(format, args...)))
	klog.Flush()
	os.Exit(1)
}

func (l logger) Panic(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	klog.ErrorDepth(1, log.format(l.source, "P: ", msg))
	panic(msg)
}

func (l logger) Debugf(format string, args ...interface{}) { l.Debug(format, args...) }
func (l logger) Infof(format string, args ...interface{})  { l.Info(format, args...) }
func (l logger) Warnf(format string, args ...interface{})  { l.Warn(format, args...) }
func (l logger) Errorf(format string, args ...interface{}) { l.Error(format, args...) }
func (l logger) Fatalf(format string, args ...interface{}) { l.Fatal(format, args...) }
func (l logger) Panicf(format string, args ...interface{}) { l.Panic(format, args...) }

func (l logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	l.block(l.Debug, prefix, format, args...)
}

func (l logger) InfoBlock(prefix string, format string, args ...interface{}) {
	l.block(l.Info, prefix, format, args...)
}

func (l logger) WarnBlock(prefix string, format string, args ...interface{}) {
	l.block(l.Warn, prefix, format, args...)
}

func (l logger) ErrorBlock(prefix string, format string, args ...interface{}) {
	l.block(l.Error, prefix, format, args...)
}

func (l logger) block(fn func(string, ...interface{}), prefix, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	for _, line := range strings.Split(strings.TrimRight(msg, "\n"), "\n") {
		fn("%s%s", prefix, line)
	}
}

func (l logger) Println(v ...interface{}) {
	l.Info("%s", strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

func (l logger) Printf(format string, args ...interface{}) {
	l.Info(format, args...)
}

func onOff(state bool) string {
	if state {
		return "on"
	}
	return "off"
}

// loggerError returns a formatted logger-specific error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
