package history

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestSanitizeLine(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"  ls   -la  ", "ls -la", true},
		{"go\t\tbuild ./...\r\n", "go build ./...", true},
		{"", "", false},
		{"   \t ", "", false},
		{"Script started on Mon Jan 1 10:00:00 2024 [TERM=\"xterm\"]", "", false},
		{"Script done on Mon Jan 1 10:05:00 2024", "", false},
		{"echo Script done on purpose", "echo Script done on purpose", true},
	}
	for _, c := range cases {
		got, ok := SanitizeLine(c.in)
		if got != c.want || ok != c.ok {
			t.Fatalf("SanitizeLine(%q) = %q,%v want %q,%v", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	inputs := [][]string{
		{"a  b", " c ", "", "Script started on x", "d\t\te"},
		{"\t\t", "  x  y  z  ", "Script done on y"},
		{"single", "line\twith\ttabs"},
		nil,
	}
	for _, in := range inputs {
		once := Sanitize(in)
		twice := Sanitize(once)
		if !reflect.DeepEqual(once, twice) {
			t.Fatalf("not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestTailKeepsLastLinesInOrder(t *testing.T) {
	in := strings.Join([]string{"one", "", "two", "three", "  four  ", "five"}, "\n")
	got, err := Tail(context.Background(), strings.NewReader(in), 3)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if want := []string{"three", "four", "five"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}

	got, err = Tail(context.Background(), strings.NewReader("a\nb"), 10)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if want := []string{"a", "b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("short input: got %q want %q", got, want)
	}

	if _, err := Tail(context.Background(), strings.NewReader("a"), 0); err == nil {
		t.Fatalf("expected error for n=0")
	}
}

func TestTailCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Tail(ctx, strings.NewReader("a\nb\n"), 1); err == nil {
		t.Fatalf("expected context error")
	}
}

// A session log with five real lines and a banner; asking for two lines
// yields only the last two real lines.
func TestReadTailSkipsBanner(t *testing.T) {
	d := t.TempDir()
	p := filepath.Join(d, "history")
	body := "Script started on Mon Jan 1\n" +
		"$ cd project\n" +
		"$ go  build ./...\n" +
		"main.go:3:2: undefined:   fmt.Printn\n" +
		"\n" +
		"$ go vet\n" +
		"   exit status 1   \n"
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := ReadTail(context.Background(), p, 2)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if want := []string{"$ go vet", "exit status 1"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
	if got := Instruction(got); got != "$ go vet\nexit status 1" {
		t.Fatalf("Instruction = %q", got)
	}
}

func TestReadTailMissingFile(t *testing.T) {
	if _, err := ReadTail(context.Background(), filepath.Join(t.TempDir(), "nope"), 2); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
