package logging

// DiscardLogger drops every message. Tests driving the catalog, data-file
// engine, or a whole backup session pass it where progress output would
// only be noise.
//
// Fatalf is a no-op too: a discarded fatal must not kill the test process.
// Production callers wanting fatal semantics use a DefaultLogger with a
// FatalHandler instead.
type DiscardLogger struct{}

// Discard is the singleton discard logger.
var Discard Logger = &DiscardLogger{}

// Errorf implements Logger.
func (l *DiscardLogger) Errorf(format string, args ...any) {}

// Warnf implements Logger.
func (l *DiscardLogger) Warnf(format string, args ...any) {}

// Infof implements Logger.
func (l *DiscardLogger) Infof(format string, args ...any) {}

// Debugf implements Logger.
func (l *DiscardLogger) Debugf(format string, args ...any) {}

// Fatalf implements Logger; see the type comment for why it does nothing.
func (l *DiscardLogger) Fatalf(format string, args ...any) {}
