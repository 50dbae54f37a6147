// Package transport defines the boundary to the messaging connector.
//
// The connector itself (wire protocol, pairing, connection lifecycle) lives
// outside this repo; the coordinator only consumes this interface.
package transport

import (
	"context"
	"sync"
	"time"
)

// Message is one inbound chat message.
type Message struct {
	ChatJID  string
	Sender   string
	PushName string
	Text     string
	At       time.Time
}

// GroupInfo describes a chat the connector knows about, used to resync the
// group directory on refresh.
type GroupInfo struct {
	JID  string
	Name string
}

// Connector is the messaging transport boundary.
//
// Start delivers inbound messages on out until ctx is canceled. Delivery
// order per chat matches wire order; the router applies its own buffering.
type Connector interface {
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, chatJID, text string) error
	ListGroups(ctx context.Context) ([]GroupInfo, error)
}

// Recorder is an in-memory Connector for tests and dry runs. Sent messages
// are recorded; inbound messages are injected with Inject().
type Recorder struct {
	mu     sync.Mutex
	sent   []SentMessage
	groups []GroupInfo
	out    chan<- Message
}

type SentMessage struct {
	ChatJID string
	Text    string
}

func NewRecorder(groups ...GroupInfo) *Recorder {
	return &Recorder{groups: groups}
}

func (r *Recorder) Start(ctx context.Context, out chan<- Message) error {
	r.mu.Lock()
	r.out = out
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Stop(ctx context.Context) error { return nil }

func (r *Recorder) SendText(ctx context.Context, chatJID, text string) error {
	// A real connector cannot deliver on a dead context.
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.sent = append(r.sent, SentMessage{ChatJID: chatJID, Text: text})
	r.mu.Unlock()
	return nil
}

func (r *Recorder) ListGroups(ctx context.Context) ([]GroupInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]GroupInfo(nil), r.groups...), nil
}

// Inject delivers a message as if it arrived from the wire.
func (r *Recorder) Inject(m Message) {
	r.mu.Lock()
	out := r.out
	r.mu.Unlock()
	if out != nil {
		out <- m
	}
}

// Sent returns a copy of everything sent so far.
func (r *Recorder) Sent() []SentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SentMessage(nil), r.sent...)
}
