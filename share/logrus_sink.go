package wsrshare

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// LogrusSink is a LeveledMinLogger that hands each record to a logrus.Logger at the
// matching logrus level. Level filtering is done by BasicLogger, so the wrapped
// logrus.Logger is opened all the way up to TraceLevel.
type LogrusSink struct {
	Logger *logrus.Logger
}

// NewLogrusSink creates a LogrusSink writing to w. format is "json" or "text".
func NewLogrusSink(w io.Writer, format string) (*LogrusSink, error) {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.TraceLevel)
	switch format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	default:
		return nil, fmt.Errorf("Unknown log format: \"%s\"", format)
	}
	return &LogrusSink{Logger: l}, nil
}

// Print outputs an unleveled record at info level
func (s *LogrusSink) Print(args ...interface{}) {
	s.Logger.Info(args...)
}

// PrintLevel outputs a record at the logrus level matching logLevel
func (s *LogrusSink) PrintLevel(logLevel LogLevel, msg string) {
	// panic and fatal are handled by BasicLogger after the record is written
	s.Logger.Log(toLogrusLevel(logLevel), msg)
}

func toLogrusLevel(logLevel LogLevel) logrus.Level {
	switch logLevel {
	case LogLevelPanic, LogLevelFatal, LogLevelError:
		return logrus.ErrorLevel
	case LogLevelWarning:
		return logrus.WarnLevel
	case LogLevelDebug:
		return logrus.DebugLevel
	case LogLevelTrace:
		return logrus.TraceLevel
	default:
		return logrus.InfoLevel
	}
}

// NewSinkLogger creates a root Logger for the given output format. "plain" (or empty)
// uses the standard library log package like NewLogger; "json" and "text" go through logrus.
func NewSinkLogger(w io.Writer, format string, prefix string, logLevel LogLevel) (Logger, error) {
	if format == "" || format == "plain" {
		return NewLogWrapper(newStdSink(w), prefix, logLevel), nil
	}
	sink, err := NewLogrusSink(w, format)
	if err != nil {
		return nil, err
	}
	return NewLogWrapper(sink, prefix, logLevel), nil
}
