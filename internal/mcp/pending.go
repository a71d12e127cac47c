package mcp

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const DefaultPendingTimeout = 30 * time.Second

type pendingEntry struct {
	resolve func(json.RawMessage)
	reject  func(error)
	timer   *time.Timer
}

// PendingTable correlates outbound request ids with their responses. Each
// entry leaves the table exactly once: whichever of resolve, timeout or
// Close removes it first fires its callback, the others find nothing.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
	timeout time.Duration
	closed  bool
}

func NewPendingTable(timeout time.Duration) *PendingTable {
	if timeout <= 0 {
		timeout = DefaultPendingTimeout
	}
	return &PendingTable{
		entries: make(map[string]*pendingEntry),
		timeout: timeout,
	}
}

func (p *PendingTable) Register(id string, resolve func(json.RawMessage), reject func(error)) error {
	return p.RegisterWithTimeout(id, p.timeout, resolve, reject)
}

func (p *PendingTable) RegisterWithTimeout(id string, timeout time.Duration, resolve func(json.RawMessage), reject func(error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPendingClosed
	}
	if _, exists := p.entries[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRequestID, id)
	}

	entry := &pendingEntry{resolve: resolve, reject: reject}
	entry.timer = time.AfterFunc(timeout, func() { p.onTimeout(id, entry) })
	p.entries[id] = entry
	return nil
}

// take removes id if it still maps to entry (or to anything when entry is nil).
func (p *PendingTable) take(id string, entry *pendingEntry) *pendingEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, ok := p.entries[id]
	if !ok || (entry != nil && current != entry) {
		return nil
	}
	delete(p.entries, id)
	current.timer.Stop()
	return current
}

// ResolveIfPending fulfils id with msg. False means the message answers
// nothing tracked and should be routed elsewhere.
func (p *PendingTable) ResolveIfPending(id string, msg json.RawMessage) bool {
	entry := p.take(id, nil)
	if entry == nil {
		return false
	}
	if entry.resolve != nil {
		entry.resolve(msg)
	}
	return true
}

// RejectIfPending fails id with err, reporting whether it was tracked.
func (p *PendingTable) RejectIfPending(id string, err error) bool {
	entry := p.take(id, nil)
	if entry == nil {
		return false
	}
	if entry.reject != nil {
		entry.reject(err)
	}
	return true
}

func (p *PendingTable) onTimeout(id string, entry *pendingEntry) {
	if p.take(id, entry) == nil {
		return
	}
	if entry.reject != nil {
		entry.reject(fmt.Errorf("%w: %s", ErrRequestTimeout, id))
	}
}

func (p *PendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close rejects every outstanding entry and refuses new registrations.
func (p *PendingTable) Close() {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*pendingEntry)
	p.mu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		if entry.reject != nil {
			entry.reject(ErrPendingClosed)
		}
	}
}
