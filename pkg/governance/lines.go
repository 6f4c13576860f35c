package governance

import (
	"bufio"
	"context"
	"io"
)

// Lines shares one line-oriented input between the REPL and the console
// confirmer. A single goroutine reads; each line goes to whichever caller
// asks next, and a caller that gives up before a line arrives consumes
// nothing.
type Lines struct {
	lines chan string
	err   error // read after lines is closed
}

// NewLines starts reading r. Lines may be up to 1MB long.
func NewLines(r io.Reader) *Lines {
	l := &Lines{lines: make(chan string)}
	go l.read(r)
	return l
}

func (l *Lines) read(r io.Reader) {
	defer close(l.lines)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		l.lines <- scanner.Text()
	}
	l.err = scanner.Err()
	if l.err == nil {
		l.err = io.EOF
	}
}

// Next returns the next line without its newline. It returns io.EOF once
// the input is exhausted and ctx's error if ctx ends first.
func (l *Lines) Next(ctx context.Context) (string, error) {
	select {
	case line, ok := <-l.lines:
		if !ok {
			return "", l.err
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
