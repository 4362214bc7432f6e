// Package sessions is the process-wide registry of live conversations.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vango-go/oto-voiceapi/pkg/core/voice/stt"
)

// ErrDuplicate is returned by Register when the conversation already has a
// live session in this process.
var ErrDuplicate = errors.New("sessions: conversation already has a live session")

// ErrNotLive is returned by Lookup callers when the conversation has no live
// session in this process.
var ErrNotLive = errors.New("sessions: conversation has no live session")

type Handle struct {
	// UserID owns the conversation.
	UserID string
	// SwitchProvider moves the session to another speech-to-text backend.
	SwitchProvider func(ctx context.Context, next stt.Provider) error
	// Finalize completes the session and blocks until it has ended or ctx
	// expires.
	Finalize func(ctx context.Context) error
	// Cancel aborts the session without finalizing it.
	Cancel func()
}

type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*trackedSession),
	}
}

// Register adds the session for conversationID. The returned func removes it
// and is safe to call more than once.
func (t *Tracker) Register(conversationID string, h Handle) (unregister func(), err error) {
	if t == nil {
		return func() {}, nil
	}

	entry := &trackedSession{handle: h}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	if _, ok := t.sessions[conversationID]; ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, conversationID)
	}
	t.sessions[conversationID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	return func() { t.unregister(conversationID, entry) }, nil
}

func (t *Tracker) unregister(conversationID string, entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions != nil && t.sessions[conversationID] == entry {
			delete(t.sessions, conversationID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Lookup returns the handle registered for conversationID.
func (t *Tracker) Lookup(conversationID string) (Handle, bool) {
	if t == nil {
		return Handle{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.sessions[conversationID]
	if !ok || entry == nil {
		return Handle{}, false
	}
	return entry.handle, true
}

// IDs returns the registered conversation ids in sorted order.
func (t *Tracker) IDs() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// CloseAll finalizes every registered session in parallel. A session that
// fails or hangs does not hold up the others; all failures are joined into
// the returned error.
func (t *Tracker) CloseAll(ctx context.Context) error {
	if t == nil {
		return nil
	}

	type target struct {
		id       string
		finalize func(context.Context) error
	}
	var targets []target
	t.mu.Lock()
	for id, entry := range t.sessions {
		if entry == nil || entry.handle.Finalize == nil {
			continue
		}
		targets = append(targets, target{id: id, finalize: entry.handle.Finalize})
	}
	t.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, tgt := range targets {
		g.Go(func() error {
			if err := tgt.finalize(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("conversation %s: %w", tgt.id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
