package meow

import (
	"fmt"

	waLog "go.mau.fi/whatsmeow/util/log"

	logx "wafleet/pkg/logx"
)

// waLogger bridges whatsmeow's logger interface onto logx.
type waLogger struct {
	log logx.Logger
}

func newWALogger(log logx.Logger) waLog.Logger {
	return &waLogger{log: log}
}

func (l *waLogger) Errorf(msg string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(msg, args...))
}

func (l *waLogger) Warnf(msg string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(msg, args...))
}

func (l *waLogger) Infof(msg string, args ...interface{}) {
	// whatsmeow is chatty at info; keep it below our own lifecycle logs.
	l.log.Debug(fmt.Sprintf(msg, args...))
}

func (l *waLogger) Debugf(msg string, args ...interface{}) {
	l.log.Trace(fmt.Sprintf(msg, args...))
}

func (l *waLogger) Sub(module string) waLog.Logger {
	return &waLogger{log: l.log.With(logx.String("wa_module", module))}
}
