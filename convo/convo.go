// Package convo defines the conversation-message store and
// notification surfaces the reconciliation engine writes to. The real
// UI provides its own implementations; MemoryStore backs tests and the
// replay CLI.
package convo

import (
	"sync"

	"github.com/peterfei/ifai-sub004/toolcall"
)

// Message is one conversation entry owned by an agent.
type Message struct {
	ID        string
	ThreadID  string
	Role      string
	Content   string
	Refs      []string
	ToolCalls []toolcall.ToolCall
	Streaming bool
}

// Store is the shared conversation-message store. Implementations must
// tolerate writes for messages that were concurrently removed by a UI
// context switch; the engine always checks Exists first, but the check
// and the write are not atomic.
type Store interface {
	// Upsert creates or replaces a message.
	Upsert(msg Message) error
	// AppendContent appends a chunk to the message content.
	AppendContent(threadID, msgID, chunk string) error
	// SetContent replaces the message content and live-streaming marker.
	SetContent(threadID, msgID, content string, streaming bool) error
	// SetToolCalls replaces the message's tool-call array.
	SetToolCalls(threadID, msgID string, calls []toolcall.ToolCall) error
	// Exists reports whether the message is still present.
	Exists(threadID, msgID string) bool
	// Get returns a message by id.
	Get(threadID, msgID string) (Message, bool)
}

// Notifier surfaces toasts for agents completing outside the focused
// conversation.
type Notifier interface {
	Notify(threadID, title, body string)
}

// NotifierFunc is a function adapter for Notifier.
type NotifierFunc func(threadID, title, body string)

// Notify implements Notifier.
func (f NotifierFunc) Notify(threadID, title, body string) { f(threadID, title, body) }

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	messages map[string]Message
	mu       sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]Message)}
}

func key(threadID, msgID string) string { return threadID + "\x00" + msgID }

// Upsert creates or replaces a message.
func (s *MemoryStore) Upsert(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[key(msg.ThreadID, msg.ID)] = msg
	return nil
}

// AppendContent appends a chunk to the message content. Appends to a
// removed message are silently dropped.
func (s *MemoryStore) AppendContent(threadID, msgID, chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(threadID, msgID)
	msg, ok := s.messages[k]
	if !ok {
		return nil
	}
	msg.Content += chunk
	s.messages[k] = msg
	return nil
}

// SetContent replaces the message content and streaming marker.
func (s *MemoryStore) SetContent(threadID, msgID, content string, streaming bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(threadID, msgID)
	msg, ok := s.messages[k]
	if !ok {
		return nil
	}
	msg.Content = content
	msg.Streaming = streaming
	s.messages[k] = msg
	return nil
}

// SetToolCalls replaces the message's tool-call array.
func (s *MemoryStore) SetToolCalls(threadID, msgID string, calls []toolcall.ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(threadID, msgID)
	msg, ok := s.messages[k]
	if !ok {
		return nil
	}
	msg.ToolCalls = append([]toolcall.ToolCall(nil), calls...)
	s.messages[k] = msg
	return nil
}

// Exists reports whether the message is still present.
func (s *MemoryStore) Exists(threadID, msgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.messages[key(threadID, msgID)]
	return ok
}

// Get returns a message by id.
func (s *MemoryStore) Get(threadID, msgID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[key(threadID, msgID)]
	return msg, ok
}

// Remove deletes a message, simulating a UI context switch.
func (s *MemoryStore) Remove(threadID, msgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, key(threadID, msgID))
}
