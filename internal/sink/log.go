// Package sink holds the outward facing collaborators of a run: logs, progress and display.
package sink

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/logs"
)

// Log is the logging surface a run writes to. github.com/cyclopcam/logs.Log satisfies it.
type Log interface {
	Infof(format string, params ...interface{})
	Warnf(format string, params ...interface{})
	Errorf(format string, params ...interface{})
}

// NewConsole returns the process logger.
func NewConsole() (Log, error) {
	return logs.NewLog()
}

// Discard drops everything.
type Discard struct{}

func (Discard) Infof(format string, params ...interface{})  {}
func (Discard) Warnf(format string, params ...interface{})  {}
func (Discard) Errorf(format string, params ...interface{}) {}

// Tee forwards every line to each log in turn.
type Tee []Log

func (t Tee) Infof(format string, params ...interface{}) {
	for _, l := range t {
		l.Infof(format, params...)
	}
}

func (t Tee) Warnf(format string, params ...interface{}) {
	for _, l := range t {
		l.Warnf(format, params...)
	}
}

func (t Tee) Errorf(format string, params ...interface{}) {
	for _, l := range t {
		l.Errorf(format, params...)
	}
}

// Line is one accumulated log entry.
type Line struct {
	At    time.Time
	Level string
	Text  string
}

func (l Line) String() string {
	return fmt.Sprintf("%s %-5s %s", l.At.Format("2006-01-02 15:04:05.000"), l.Level, l.Text)
}

// Memory keeps the newest lines in a fixed size ring so they can be exported later.
type Memory struct {
	mu       sync.Mutex
	capacity int
	lines    ringbuffer.RingP[Line]
	dropped  int
	now      func() time.Time
}

// NewMemory creates an accumulator holding at most capacity lines.
func NewMemory(capacity int) *Memory {
	if capacity < 1 {
		capacity = 1
	}
	return &Memory{
		capacity: capacity,
		lines:    ringbuffer.NewRingP[Line](capacity),
		now:      time.Now,
	}
}

func (m *Memory) add(level, format string, params ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lines.Len() == m.capacity {
		m.dropped++
	}
	m.lines.Add(Line{At: m.now(), Level: level, Text: fmt.Sprintf(format, params...)})
}

func (m *Memory) Infof(format string, params ...interface{})  { m.add("INFO", format, params...) }
func (m *Memory) Warnf(format string, params ...interface{})  { m.add("WARN", format, params...) }
func (m *Memory) Errorf(format string, params ...interface{}) { m.add("ERROR", format, params...) }

// Lines returns the retained lines, oldest first.
func (m *Memory) Lines() []Line {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Line, 0, m.lines.Len())
	for i := 0; i < m.lines.Len(); i++ {
		out = append(out, m.lines.Peek(i))
	}
	return out
}

// Dropped is the number of lines pushed out of the ring.
func (m *Memory) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Reset empties the accumulator.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = ringbuffer.NewRingP[Line](m.capacity)
	m.dropped = 0
}

// WriteTo writes the retained lines as text.
func (m *Memory) WriteTo(w io.Writer) (int64, error) {
	var total int64
	if d := m.Dropped(); d > 0 {
		n, err := fmt.Fprintf(w, "... %d earlier lines dropped\n", d)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	for _, l := range m.Lines() {
		n, err := fmt.Fprintln(w, l.String())
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Export writes the retained lines to a text file.
func (m *Memory) Export(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := m.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
