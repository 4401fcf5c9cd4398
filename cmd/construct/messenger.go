package main

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// consoleMessenger renders chat messages on a terminal. Edits reprint the
// message under the same handle, which is the closest a scrollback gets
// to an edited chat message.
type consoleMessenger struct {
	mu   sync.Mutex
	out  io.Writer
	next int
}

func newConsoleMessenger(out io.Writer) *consoleMessenger {
	return &consoleMessenger{out: out}
}

func (m *consoleMessenger) Send(_ context.Context, room, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	handle := fmt.Sprintf("%s#%d", room, m.next)
	fmt.Fprintf(m.out, "┌─ %s\n%s\n└─\n", handle, text)
	return handle, nil
}

func (m *consoleMessenger) Edit(_ context.Context, _ string, handle, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprintf(m.out, "┌─ %s (edited)\n%s\n└─\n", handle, text)
	return nil
}
