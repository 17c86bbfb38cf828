package vefs

import goLog "log"

// Logger is the minimal logging capability SetLogger and EnableLogging
// install. No vefs component currently emits log lines through it;
// failures such as cache writeback errors are returned to the caller.
type Logger interface {
	Logf(format string, a ...interface{})
}

type dummyLogger struct{}

func (*dummyLogger) Logf(format string, a ...interface{}) {}

type stdlibLogger struct{}

func (*stdlibLogger) Logf(format string, a ...interface{}) {
	goLog.Printf(format, a...)
}

var log Logger = &dummyLogger{}

// EnableLogging routes vefs' internal logging to the standard log package.
// For more control use SetLogger.
func EnableLogging() {
	SetLogger(&stdlibLogger{})
}

// SetLogger installs logger as the destination for vefs' internal
// logging. Passing nil disables logging.
func SetLogger(logger Logger) {
	if logger == nil {
		log = &dummyLogger{}
		return
	}
	log = logger
}
