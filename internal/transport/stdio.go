package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Stdio is a development Connector that turns stdin lines into inbound
// messages for a single chat and prints outbound messages to stdout. It lets
// the coordinator run end to end without a real messaging bridge attached.
type Stdio struct {
	chatJID string
	name    string

	in  io.Reader
	out io.Writer

	mu      sync.Mutex
	stopped bool
}

func NewStdio(chatJID, name string) *Stdio {
	return &Stdio{chatJID: chatJID, name: name, in: os.Stdin, out: os.Stdout}
}

func (s *Stdio) Start(ctx context.Context, out chan<- Message) error {
	go func() {
		sc := bufio.NewScanner(s.in)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			msg := Message{
				ChatJID:  s.chatJID,
				Sender:   "local",
				PushName: "local",
				Text:     line,
				At:       time.Now(),
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (s *Stdio) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}

func (s *Stdio) SendText(ctx context.Context, chatJID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	_, err := fmt.Fprintf(s.out, "[%s] %s\n", chatJID, text)
	return err
}

func (s *Stdio) ListGroups(ctx context.Context) ([]GroupInfo, error) {
	return []GroupInfo{{JID: s.chatJID, Name: s.name}}, nil
}
