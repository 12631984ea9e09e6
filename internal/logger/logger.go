// Package logger contains a logger implementation.
package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gookit/color"
	"golang.org/x/term"
)

// Level is a log level.
type Level int

// Log levels.
const (
	Debug Level = iota + 1
	Info
	Warn
	Error
)

// Destination is a log destination.
type Destination int

const (
	// DestinationStdout writes logs to the standard output.
	DestinationStdout Destination = iota

	// DestinationFile writes logs to a file.
	DestinationFile
)

// Logger is a log handler.
type Logger struct {
	Level        Level
	Destinations []Destination
	File         string

	stdout    io.Writer
	useColor  bool
	file      *os.File
	timeNow   func() time.Time
	mutex     sync.Mutex
	stdoutBuf bytes.Buffer
	fileBuf   bytes.Buffer
}

// Initialize initializes a Logger.
func (lh *Logger) Initialize() error {
	if lh.stdout == nil {
		lh.stdout = os.Stdout
		lh.useColor = term.IsTerminal(int(os.Stdout.Fd()))
	}

	if lh.timeNow == nil {
		lh.timeNow = time.Now
	}

	for _, dest := range lh.Destinations {
		if dest == DestinationFile {
			var err error
			lh.file, err = os.OpenFile(lh.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				lh.Close()
				return err
			}
		}
	}

	return nil
}

// Close closes a Logger.
func (lh *Logger) Close() {
	if lh.file != nil {
		lh.file.Close()
	}
}

// https://golang.org/src/log/log.go#L78
func itoa(i int, wid int) []byte {
	var b [20]byte
	bp := len(b) - 1
	for i >= 10 || wid > 1 {
		wid--
		q := i / 10
		b[bp] = byte('0' + i - q*10)
		bp--
		i = q
	}
	b[bp] = byte('0' + i)
	return b[bp:]
}

func writeTime(buf *bytes.Buffer, t time.Time, doColor bool) {
	var intbuf bytes.Buffer

	year, month, day := t.Date()
	intbuf.Write(itoa(year, 4))
	intbuf.WriteByte('/')
	intbuf.Write(itoa(int(month), 2))
	intbuf.WriteByte('/')
	intbuf.Write(itoa(day, 2))
	intbuf.WriteByte(' ')

	hour, minute, sec := t.Clock()
	intbuf.Write(itoa(hour, 2))
	intbuf.WriteByte(':')
	intbuf.Write(itoa(minute, 2))
	intbuf.WriteByte(':')
	intbuf.Write(itoa(sec, 2))
	intbuf.WriteByte(' ')

	if doColor {
		buf.WriteString(color.RenderString(color.Gray.Code(), intbuf.String()))
	} else {
		buf.WriteString(intbuf.String())
	}
}

func writeLevel(buf *bytes.Buffer, level Level, doColor bool) {
	switch level {
	case Debug:
		if doColor {
			buf.WriteString(color.RenderString(color.Debug.Code(), "DEB"))
		} else {
			buf.WriteString("DEB")
		}

	case Info:
		if doColor {
			buf.WriteString(color.RenderString(color.Green.Code(), "INF"))
		} else {
			buf.WriteString("INF")
		}

	case Warn:
		if doColor {
			buf.WriteString(color.RenderString(color.Warn.Code(), "WAR"))
		} else {
			buf.WriteString("WAR")
		}

	case Error:
		if doColor {
			buf.WriteString(color.RenderString(color.Error.Code(), "ERR"))
		} else {
			buf.WriteString("ERR")
		}
	}
	buf.WriteByte(' ')
}

func writeContent(buf *bytes.Buffer, format string, args []interface{}) {
	fmt.Fprintf(buf, format, args...)
	buf.WriteByte('\n')
}

// Log writes a log entry.
func (lh *Logger) Log(level Level, format string, args ...interface{}) {
	if level < lh.Level {
		return
	}

	t := lh.timeNow()

	lh.mutex.Lock()
	defer lh.mutex.Unlock()

	for _, dest := range lh.Destinations {
		switch dest {
		case DestinationStdout:
			lh.stdoutBuf.Reset()
			writeTime(&lh.stdoutBuf, t, lh.useColor)
			writeLevel(&lh.stdoutBuf, level, lh.useColor)
			writeContent(&lh.stdoutBuf, format, args)
			lh.stdout.Write(lh.stdoutBuf.Bytes()) //nolint:errcheck

		case DestinationFile:
			lh.fileBuf.Reset()
			writeTime(&lh.fileBuf, t, false)
			writeLevel(&lh.fileBuf, level, false)
			writeContent(&lh.fileBuf, format, args)
			lh.file.Write(lh.fileBuf.Bytes()) //nolint:errcheck
		}
	}
}
