package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

// testAppender writes log lines through tb.Log so parallel tests get their own output.
type testAppender struct {
	tb testing.TB
}

// NewTestAppender returns an appender that logs through tb, in the console format.
func NewTestAppender(tb testing.TB) Appender {
	return &testAppender{tb}
}

func (tapp *testAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	tapp.tb.Helper()
	line, err := formatLine(entry, fields)
	tapp.tb.Log(line)
	return err
}

// Sync is a no-op.
func (tapp *testAppender) Sync() error {
	return nil
}
