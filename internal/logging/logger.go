// Package logging provides the small leveled logger shared by every
// gateway component, one instance per process and one derived,
// prefixed sub-logger per device session.
package logging

import (
	"io"
	"log"
	"os"
)

const (
	LevelSilent = iota
	LevelError
	LevelInfo
	LevelDebug
)

// Logger groups the three severities a session or collaborator logs
// at. Fields are exported *log.Logger so call sites read
// log.Debug.Println(...) the way the rest of the gateway does.
type Logger struct {
	Debug *log.Logger
	Info  *log.Logger
	Error *log.Logger
}

func New(level int, prepend string) *Logger {
	output := os.Stdout

	logErr, logInfo, logDebug := func() (io.Writer, io.Writer, io.Writer) {
		switch {
		case level >= LevelDebug:
			return output, output, output
		case level >= LevelInfo:
			return output, output, io.Discard
		case level >= LevelError:
			return output, io.Discard, io.Discard
		default:
			return io.Discard, io.Discard, io.Discard
		}
	}()

	return &Logger{
		Debug: log.New(logDebug, "DEBUG: "+prepend, log.Ldate|log.Ltime),
		Info:  log.New(logInfo, "INFO: "+prepend, log.Ldate|log.Ltime),
		Error: log.New(logErr, "ERROR: "+prepend, log.Ldate|log.Ltime),
	}
}

// Sub derives a logger for one device session, prefixing every line
// with the session's hex device id the way the teacher prefixes UDP
// peer loggers with an abbreviated key.
func (l *Logger) Sub(prefix string) *Logger {
	return &Logger{
		Debug: log.New(l.Debug.Writer(), "DEBUG: "+prefix+": ", log.Ldate|log.Ltime),
		Info:  log.New(l.Info.Writer(), "INFO: "+prefix+": ", log.Ldate|log.Ltime),
		Error: log.New(l.Error.Writer(), "ERROR: "+prefix+": ", log.Ldate|log.Ltime),
	}
}
