package app

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chzyer/readline"

	"educhat/cmd/internal/chat"
	v1 "educhat/shared/contracts/chat/v1"
)

type recordingSender struct {
	mu          sync.Mutex
	texts       []chat.MessagePayload
	attachments []chat.AttachmentPayload
	ok          bool
}

func (s *recordingSender) SendMessage(_ context.Context, p chat.MessagePayload) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, p)
	return s.ok
}

func (s *recordingSender) SendMessageWithAttachment(_ context.Context, p chat.AttachmentPayload) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments = append(s.attachments, p)
	return s.ok
}

func TestRunConsole_Commands(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(file, []byte("hello"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	in := strings.NewReader("hi there\n\n/file " + file + " read this\n/file\n/quit\nnever sent\n")
	var out bytes.Buffer
	s := &recordingSender{ok: true}

	lines, w := newLineReader(in, &out)
	if _, ok := lines.(*scanLines); !ok {
		t.Fatalf("non-terminal input got %T", lines)
	}
	if err := runConsole(context.Background(), s, v1.IDFromInt(42), lines, &lockedWriter{w: w}); err != nil {
		t.Fatalf("runConsole: %v", err)
	}

	if len(s.texts) != 1 || s.texts[0].Content != "hi there" || s.texts[0].ChatID != "42" {
		t.Fatalf("texts=%+v", s.texts)
	}
	if len(s.attachments) != 1 {
		t.Fatalf("attachments=%d want 1", len(s.attachments))
	}
	a := s.attachments[0]
	if a.File == nil || a.File.Name != "notes.txt" || string(a.File.Data) != "hello" || a.Content != "read this" {
		t.Fatalf("attachment=%+v", a)
	}
	if !strings.Contains(out.String(), "usage: /file") {
		t.Fatalf("missing usage hint in %q", out.String())
	}
}

func TestRunConsole_ReportsFailedSend(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	s := &recordingSender{ok: false}

	lines := &scanLines{sc: bufio.NewScanner(strings.NewReader("x\n"))}
	if err := runConsole(context.Background(), s, "1", lines, &lockedWriter{w: &out}); err != nil {
		t.Fatalf("runConsole: %v", err)
	}
	if !strings.Contains(out.String(), "message not sent") {
		t.Fatalf("out=%q", out.String())
	}
}

// scriptedLines replays lines and then returns err.
type scriptedLines struct {
	lines  []string
	err    error
	closed bool
}

func (s *scriptedLines) Readline() (string, error) {
	if len(s.lines) == 0 {
		return "", s.err
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func (s *scriptedLines) Close() error {
	s.closed = true
	return nil
}

func TestRunConsole_StopsOnInterruptAndEOF(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		err     error
		wantErr bool
	}{
		"ctrl-c":     {err: readline.ErrInterrupt},
		"ctrl-d":     {err: io.EOF},
		"read error": {err: errors.New("tty gone"), wantErr: true},
	}
	for name, tc := range cases {
		s := &recordingSender{ok: true}
		lines := &scriptedLines{lines: []string{"first"}, err: tc.err}

		err := runConsole(context.Background(), s, "5", lines, &lockedWriter{w: io.Discard})
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err=%v wantErr=%v", name, err, tc.wantErr)
		}
		if len(s.texts) != 1 || s.texts[0].Content != "first" {
			t.Fatalf("%s: texts=%+v", name, s.texts)
		}
		if !lines.closed {
			t.Fatalf("%s: line reader not closed", name)
		}
	}
}

func TestRunConsole_ContextCancel(t *testing.T) {
	t.Parallel()

	r, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runConsole(ctx, &recordingSender{ok: true}, "5", &scanLines{sc: bufio.NewScanner(r)}, &lockedWriter{w: io.Discard})
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err=%v want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("runConsole ignored cancellation")
	}
}

func TestFormatMessage(t *testing.T) {
	t.Parallel()

	m := v1.Message{
		ID:            "8",
		CreatorName:   "Ms. Lee",
		Content:       "see attached",
		HasAttachment: true,
		Attachment:    &v1.Attachment{IsFile: true, DownloadLink: "https://x/f"},
	}
	if got := formatMessage(m); got != "Ms. Lee: see attached [file https://x/f]" {
		t.Fatalf("formatMessage=%q", got)
	}
}
