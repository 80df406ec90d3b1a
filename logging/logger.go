package logging

import (
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Logger is the single sink every component writes its trace to.
// The sink decides verbosity, formatting and destination.
type Logger interface {
	Log(text string)
}

// ConsoleLogger writes lines to stderr (or any writer) when verbose.
type ConsoleLogger struct {
	mu      sync.Mutex
	verbose bool
	out     *log.Logger
}

func NewConsoleLogger(verbose bool) *ConsoleLogger {
	return NewWriterLogger(os.Stderr, verbose)
}

func NewWriterLogger(w io.Writer, verbose bool) *ConsoleLogger {
	return &ConsoleLogger{
		verbose: verbose,
		out:     log.New(w, "", 0),
	}
}

func (cl *ConsoleLogger) Log(text string) {
	if !cl.verbose {
		return
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.out.Println(text)
}

// Discard drops every line.
var Discard Logger = discard{}

type discard struct{}

func (discard) Log(string) {}

// Recorder keeps every line in memory, mostly for tests.
type Recorder struct {
	mu    sync.Mutex
	lines []string
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Log(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, text)
}

// Lines returns a copy of the recorded lines.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// Count returns how many recorded lines contain substr.
func (r *Recorder) Count(substr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, line := range r.lines {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}
