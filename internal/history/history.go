// Package history reads the tail of a terminal session log (as written by
// script(1)) and turns it into prompt material.
package history

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// Banner lines script(1) writes around a recorded session.
const (
	bannerStarted = "Script started on"
	bannerDone    = "Script done on"
)

// SanitizeLine collapses whitespace runs and trims the line. ok is false when
// the line is empty or a session banner and should be dropped.
func SanitizeLine(line string) (clean string, ok bool) {
	clean = strings.TrimSpace(whitespaceRun.ReplaceAllString(line, " "))
	if clean == "" || strings.Contains(clean, bannerStarted) || strings.HasPrefix(clean, bannerDone) {
		return "", false
	}
	return clean, true
}

// Sanitize applies SanitizeLine to every line, keeping order.
func Sanitize(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if c, ok := SanitizeLine(l); ok {
			out = append(out, c)
		}
	}
	return out
}

// Tail reads r line by line and returns the last n sanitized lines in order.
// Only n lines are held at any time.
func Tail(ctx context.Context, r io.Reader, n int) ([]string, error) {
	if n < 1 {
		return nil, fmt.Errorf("tail count must be positive: %d", n)
	}
	ring := make([]string, 0, n)
	next := 0
	br := bufio.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			if c, ok := SanitizeLine(line); ok {
				if len(ring) < n {
					ring = append(ring, c)
				} else {
					ring[next] = c
					next = (next + 1) % n
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
	}
	// unroll the ring so the oldest line comes first
	return append(ring[next:], ring[:next]...), nil
}

// ReadTail opens path and returns its last n sanitized lines.
func ReadTail(ctx context.Context, path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()
	lines, err := Tail(ctx, f, n)
	if err != nil {
		return nil, fmt.Errorf("read history %s: %w", path, err)
	}
	return lines, nil
}

// Instruction joins lines into the instruction body of the prompt.
func Instruction(lines []string) string {
	return strings.Join(lines, "\n")
}
