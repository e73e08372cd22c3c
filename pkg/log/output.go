package log

import (
	"io"
	"os"
	"sync"
)

// ConsoleOutput writes formatted entries to stderr for warn/error/fatal and
// stdout otherwise.
type ConsoleOutput struct {
	mu sync.Mutex
}

// NewConsoleOutput returns a ConsoleOutput writing to the process streams.
func NewConsoleOutput() *ConsoleOutput { return &ConsoleOutput{} }

func (o *ConsoleOutput) Write(entry *Entry, formatted []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	w := io.Writer(os.Stdout)
	if entry.Level >= WarnLevel {
		w = os.Stderr
	}
	_, err := w.Write(formatted)
	return err
}

func (o *ConsoleOutput) Close() error { return nil }

// FileOutput appends formatted entries to a file on disk.
type FileOutput struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileOutput opens (creating if necessary) the file at path for appending.
func NewFileOutput(path string) (*FileOutput, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileOutput{file: f}, nil
}

func (o *FileOutput) Write(_ *Entry, formatted []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := o.file.Write(formatted)
	return err
}

func (o *FileOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.file.Close()
}

// NullOutput discards all entries. Useful in tests.
type NullOutput struct{}

func (NullOutput) Write(*Entry, []byte) error { return nil }
func (NullOutput) Close() error               { return nil }
