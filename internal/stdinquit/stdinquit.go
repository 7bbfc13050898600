// Package stdinquit watches standard input for a lone "q" (or EOF) and
// signals a caller-supplied cancel function, without blocking the rest of
// the process's I/O loop (spec.md §5 "Suspension points": blocking on
// standard input runs on its own goroutine).
package stdinquit

import (
	"bufio"
	"io"
	"strings"
)

// Watch reads lines from r until it sees "q" (case-insensitive, trimmed)
// or EOF, then calls cancel exactly once. It blocks, so callers should run
// it in its own goroutine.
func Watch(r io.Reader, cancel func()) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if strings.EqualFold(strings.TrimSpace(scanner.Text()), "q") {
			cancel()
			return
		}
	}
	cancel()
}
