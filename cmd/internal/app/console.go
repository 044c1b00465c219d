package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"educhat/cmd/internal/chat"
	v1 "educhat/shared/contracts/chat/v1"
)

const maxConsoleFileBytes = 25 << 20

// sender is the part of chat.Conversation the console drives.
type sender interface {
	SendMessage(ctx context.Context, p chat.MessagePayload) bool
	SendMessageWithAttachment(ctx context.Context, p chat.AttachmentPayload) bool
}

// lockedWriter serializes console output between the input loop and
// inbound deliveries.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = fmt.Fprintf(l.w, format, args...)
}

// lineReader yields one input line per call.
type lineReader interface {
	Readline() (string, error)
	Close() error
}

// scanLines reads plain lines from a non-terminal input.
type scanLines struct {
	sc *bufio.Scanner
}

func (s *scanLines) Readline() (string, error) {
	if s.sc.Scan() {
		return s.sc.Text(), nil
	}
	if err := s.sc.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (s *scanLines) Close() error { return nil }

// newLineReader returns a readline prompt when in is a terminal and a plain
// line scanner otherwise. The returned writer must be used for all console
// output so the prompt is redrawn around inbound messages.
func newLineReader(in io.Reader, out io.Writer) (lineReader, io.Writer) {
	if f, ok := in.(*os.File); ok && readline.IsTerminal(int(f.Fd())) {
		rl, err := readline.NewEx(&readline.Config{
			Prompt:          "> ",
			HistoryFile:     filepath.Join(os.TempDir(), ".educhat_history"),
			HistoryLimit:    200,
			InterruptPrompt: "^C",
			EOFPrompt:       "/quit",
			Stdin:           f,
			Stdout:          out,
		})
		if err == nil {
			return rl, rl.Stdout()
		}
		_, _ = fmt.Fprintf(out, "readline unavailable (%v), using plain input\n", err)
	}
	return &scanLines{sc: bufio.NewScanner(in)}, out
}

// Chat opens channelID, prints every new message to out and sends each line
// read from in to chatID. "/file <path> [caption]" sends an attachment and
// "/quit" returns.
func Chat(ctx context.Context, client *chat.Client, channelID string, chatID v1.ID, in io.Reader, out io.Writer) error {
	lines, w := newLineReader(in, out)
	lw := &lockedWriter{w: w}

	conv, err := client.Open(ctx, channelID, chat.WithOnNewMessage(func(m v1.Message) {
		lw.printf("%s\n", formatMessage(m))
	}))
	if err != nil {
		_ = lines.Close()
		return err
	}
	defer conv.Close()

	for _, m := range conv.Messages() {
		lw.printf("%s\n", formatMessage(m))
	}
	lw.printf("-- %s (connected=%v), /quit to exit\n", channelID, conv.IsConnected())

	return runConsole(ctx, conv, chatID, lines, lw)
}

// runConsole sends lines until /quit, end of input or Ctrl+C.
func runConsole(ctx context.Context, conv sender, chatID v1.ID, lines lineReader, out *lockedWriter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer lines.Close()

	type input struct {
		line string
		err  error
	}
	inputs := make(chan input)
	go func() {
		for {
			line, err := lines.Readline()
			select {
			case inputs <- input{line: line, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		var in input
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in = <-inputs:
		}
		if in.err != nil {
			if errors.Is(in.err, readline.ErrInterrupt) || errors.Is(in.err, io.EOF) {
				return nil
			}
			return in.err
		}

		line := strings.TrimSpace(in.line)
		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case strings.HasPrefix(line, "/file"):
			path, caption, _ := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, "/file")), " ")
			p, err := attachmentFromFile(chatID, path, caption)
			if err != nil {
				out.printf("! %v\n", err)
				continue
			}
			if !conv.SendMessageWithAttachment(ctx, p) {
				out.printf("! attachment not sent\n")
			}
		default:
			if !conv.SendMessage(ctx, chat.MessagePayload{ChatID: chatID, Content: line}) {
				out.printf("! message not sent\n")
			}
		}
	}
}

// SendOnce sends a single message (with an optional file) through a fresh
// conversation on channelID.
func SendOnce(ctx context.Context, client *chat.Client, channelID string, chatID v1.ID, text, filePath string) error {
	conv, err := client.Open(ctx, channelID, chat.WithInitialMessages(nil))
	if err != nil {
		return err
	}
	defer conv.Close()

	var ok bool
	if strings.TrimSpace(filePath) != "" {
		p, err := attachmentFromFile(chatID, filePath, text)
		if err != nil {
			return err
		}
		ok = conv.SendMessageWithAttachment(ctx, p)
	} else {
		ok = conv.SendMessage(ctx, chat.MessagePayload{ChatID: chatID, Content: text})
	}
	if !ok {
		return errors.New("message not sent")
	}
	return nil
}

func attachmentFromFile(chatID v1.ID, path, caption string) (chat.AttachmentPayload, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return chat.AttachmentPayload{}, errors.New("usage: /file <path> [caption]")
	}
	fi, err := os.Stat(path)
	if err != nil {
		return chat.AttachmentPayload{}, err
	}
	if fi.IsDir() {
		return chat.AttachmentPayload{}, fmt.Errorf("%s is a directory", path)
	}
	if fi.Size() > maxConsoleFileBytes {
		return chat.AttachmentPayload{}, fmt.Errorf("%s is larger than %d bytes", path, maxConsoleFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return chat.AttachmentPayload{}, err
	}
	return chat.AttachmentPayload{
		MessagePayload: chat.MessagePayload{ChatID: chatID, Content: strings.TrimSpace(caption)},
		File:           &chat.FileUpload{Name: filepath.Base(path), Data: data},
	}, nil
}

func formatMessage(m v1.Message) string {
	var b strings.Builder
	if ts, ok := m.CreatedAt(); ok {
		b.WriteString(ts.Local().Format("15:04"))
		b.WriteByte(' ')
	}
	name := strings.TrimSpace(m.CreatorName)
	if name == "" {
		name = "?"
	}
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(m.Content)
	if m.ImageURL != "" {
		b.WriteString(" [image ")
		b.WriteString(m.ImageURL)
		b.WriteByte(']')
	}
	if m.HasAttachment && m.Attachment != nil {
		fmt.Fprintf(&b, " [%s %s]", m.Attachment.Kind(), m.Attachment.DownloadLink)
	}
	return b.String()
}
