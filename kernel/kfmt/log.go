// Package kfmt provides the kernel's logging and panic facilities.
//
// Output produced before an output sink is attached is kept in a ring buffer
// and replayed once SetOutputSink is called.
package kfmt

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/sirupsen/logrus"

	"vmcore/kernel/sync"
)

var (
	// earlyPrintBuffer stores output before a sink is attached.
	earlyPrintBuffer = newRingBuffer(ringBufferSize)

	output = &sinkWriter{}

	logger = &logrus.Logger{
		Out:       output,
		Formatter: moduleFormatter{},
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.InfoLevel,
		ExitFunc:  func(int) {},
	}
)

// sinkWriter forwards writes to the attached sink or to earlyPrintBuffer.
type sinkWriter struct {
	lock sync.Spinlock
	sink io.Writer
}

func (w *sinkWriter) Write(p []byte) (int, error) {
	w.lock.Acquire()
	defer w.lock.Release()

	if w.sink == nil {
		return earlyPrintBuffer.Write(p)
	}
	return w.sink.Write(p)
}

// SetOutputSink sets the target for all kernel output to w and copies any
// data accumulated in the early print buffer to it. Passing a nil writer
// reverts to buffering.
func SetOutputSink(w io.Writer) {
	output.lock.Acquire()
	defer output.lock.Release()

	output.sink = w
	if w != nil {
		_, _ = earlyPrintBuffer.WriteTo(w)
	}
}

// SetLevel sets the minimum level of the messages that get logged.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}

	logger.SetLevel(lvl)
	return nil
}

// Logger returns the kernel logger.
func Logger() *logrus.Logger { return logger }

// Module returns a log entry tagged with the name of the reporting module.
func Module(name string) *logrus.Entry {
	return logger.WithField("module", name)
}

// Printf formats according to a format specifier and writes the result to
// the kernel output, bypassing log levels.
func Printf(format string, args ...interface{}) {
	fmt.Fprintf(output, format, args...)
}

// moduleFormatter renders entries as "[module] message key=value ..." lines.
type moduleFormatter struct{}

func (moduleFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var buf bytes.Buffer

	if module, ok := entry.Data["module"]; ok {
		fmt.Fprintf(&buf, "[%v] ", module)
	}

	if entry.Level <= logrus.WarnLevel {
		buf.WriteString(entry.Level.String())
		buf.WriteString(": ")
	}

	buf.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k != "module" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(&buf, " %s=%v", k, entry.Data[k])
	}

	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
