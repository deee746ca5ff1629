package spool

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/synqronlabs/wren"
)

// Message is a message captured by Memory.
type Message struct {
	Envelope Envelope
	Data     []byte
}

// Memory is a wren.MessageHandlerFactory that keeps every accepted message
// in memory, for tests and small embedded uses.
type Memory struct {
	mu       sync.Mutex
	messages []Message
	done     int
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Create(mc wren.MessageContext) wren.MessageHandler {
	return &memoryHandler{memory: m, envelope: newEnvelope(mc)}
}

// Messages returns the captured messages in arrival order.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// Transactions returns how many transactions have finished, with or
// without a message.
func (m *Memory) Transactions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Reset forgets every captured message.
func (m *Memory) Reset() {
	m.mu.Lock()
	m.messages = nil
	m.done = 0
	m.mu.Unlock()
}

type memoryHandler struct {
	memory   *Memory
	envelope Envelope
}

func (h *memoryHandler) From(ctx context.Context, from string) error {
	h.envelope.Sender = from
	return nil
}

func (h *memoryHandler) Recipient(ctx context.Context, to string) error {
	h.envelope.Recipients = append(h.envelope.Recipients, to)
	return nil
}

func (h *memoryHandler) Data(ctx context.Context, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	h.envelope.ReceivedAt = time.Now().UTC()
	h.envelope.Size = int64(len(data))

	h.memory.mu.Lock()
	h.memory.messages = append(h.memory.messages, Message{Envelope: h.envelope, Data: data})
	h.memory.mu.Unlock()
	return nil
}

func (h *memoryHandler) Done() error {
	h.memory.mu.Lock()
	h.memory.done++
	h.memory.mu.Unlock()
	return nil
}
