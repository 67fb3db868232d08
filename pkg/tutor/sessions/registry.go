// Package sessions tracks the tutoring sessions a process is running so the
// status API can find them and shutdown can end and wait for all of them.
package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/yuhaousa/voice2learn/pkg/tutor/material"
	"github.com/yuhaousa/voice2learn/pkg/tutor/session"
	"github.com/yuhaousa/voice2learn/pkg/tutor/transcript"
	"github.com/yuhaousa/voice2learn/pkg/tutor/whiteboard"
)

var ErrDraining = errors.New("sessions: registry is draining")

// Session is the part of *session.Manager the registry and API need.
type Session interface {
	ID() string
	Status() session.Status
	Transcript() []transcript.Turn
	Activate(ctx context.Context) error
	Retry(ctx context.Context) error
	End()
	Done() <-chan struct{}
}

// Entry is a registered session plus the surfaces it draws on. Board and
// Materials may be nil.
type Entry struct {
	Session   Session
	Board     *whiteboard.Board
	Materials *material.Presenter
}

type Hooks struct {
	// OnRemove runs once per entry after its session is done.
	OnRemove func(Entry)
}

type Registry struct {
	hooks    Hooks
	draining atomic.Bool

	mu      sync.Mutex
	entries map[string]*tracked
	wg      sync.WaitGroup
}

type tracked struct {
	entry Entry
	once  sync.Once
}

func NewRegistry(hooks Hooks) *Registry {
	return &Registry{hooks: hooks, entries: make(map[string]*tracked)}
}

// Add registers e and removes it automatically once its session is done. A
// second Add with the same id replaces the first registration.
func (r *Registry) Add(e Entry) error {
	if e.Session == nil {
		return errors.New("sessions: entry has no session")
	}
	if r.draining.Load() {
		return ErrDraining
	}
	id := e.Session.ID()
	t := &tracked{entry: e}

	r.mu.Lock()
	old := r.entries[id]
	r.entries[id] = t
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		r.remove(id, old)
	}
	go func() {
		<-e.Session.Done()
		r.remove(id, t)
	}()
	return nil
}

func (r *Registry) remove(id string, t *tracked) {
	t.once.Do(func() {
		r.mu.Lock()
		if r.entries[id] == t {
			delete(r.entries, id)
		}
		r.mu.Unlock()
		if r.hooks.OnRemove != nil {
			r.hooks.OnRemove(t.entry)
		}
		r.wg.Done()
	})
}

func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return t.entry, true
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Statuses returns a snapshot of every session ordered by id.
func (r *Registry) Statuses() []session.Status {
	r.mu.Lock()
	list := make([]Session, 0, len(r.entries))
	for _, t := range r.entries {
		list = append(list, t.entry.Session)
	}
	r.mu.Unlock()

	out := make([]session.Status, 0, len(list))
	for _, s := range list {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (r *Registry) SetDraining(draining bool) { r.draining.Store(draining) }

func (r *Registry) IsDraining() bool { return r.draining.Load() }

// EndAll ends every registered session and returns how many were asked to
// end. End blocks per session, so sessions are ended concurrently.
func (r *Registry) EndAll() int {
	r.mu.Lock()
	list := make([]Session, 0, len(r.entries))
	for _, t := range r.entries {
		list = append(list, t.entry.Session)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range list {
		wg.Add(1)
		go func(s Session) {
			defer wg.Done()
			s.End()
		}(s)
	}
	wg.Wait()
	return len(list)
}

// Wait blocks until every registered session has been removed or ctx is
// done. It reports whether all sessions finished.
func (r *Registry) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
