package runtime

import (
	"sync"

	"github.com/drblury/chimpflow/internal/runtime/logging"
)

type logEntry struct {
	level  string
	msg    string
	err    error
	fields logging.LogFields
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) record(level, msg string, err error, fields logging.LogFields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, err: err, fields: fields})
}

func (l *recordingLogger) With(logging.LogFields) logging.ServiceLogger { return l }

func (l *recordingLogger) Debug(msg string, fields logging.LogFields) {
	l.record("debug", msg, nil, fields)
}

func (l *recordingLogger) Info(msg string, fields logging.LogFields) {
	l.record("info", msg, nil, fields)
}

func (l *recordingLogger) Error(msg string, err error, fields logging.LogFields) {
	l.record("error", msg, err, fields)
}

func (l *recordingLogger) Trace(msg string, fields logging.LogFields) {
	l.record("trace", msg, nil, fields)
}

func (l *recordingLogger) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e.msg)
	}
	return out
}
