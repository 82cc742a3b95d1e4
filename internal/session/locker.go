package session

import (
	"context"
	"sync"
	"time"
)

type lockEntry struct {
	ch   chan struct{}
	refs int
	// terminating counts AcquireTerminating callers holding or waiting on the lock.
	terminating int
	// drained is closed when terminating drops back to zero.
	drained chan struct{}
}

// Locker serializes all mutations of one session inside this process.
// Entries are reference counted and dropped once nobody holds or waits on them.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*lockEntry)}
}

func (l *Locker) ref(id string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[id]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		l.locks[id] = e
	}
	e.refs++
	return e
}

func (l *Locker) unref(id string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, id)
	}
}

// pendingTermination returns a channel closed once no termination is queued,
// or nil when none is.
func (l *Locker) pendingTermination(e *lockEntry) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.terminating == 0 {
		return nil
	}
	return e.drained
}

// Acquire blocks until the session lock is held or ctx is done. It yields to
// queued terminations, so the caller must re-read session state once it holds the lock.
func (l *Locker) Acquire(ctx context.Context, id string) (func(), error) {
	e := l.ref(id)
	for {
		if wait := l.pendingTermination(e); wait != nil {
			select {
			case <-wait:
			case <-ctx.Done():
				l.unref(id, e)
				return nil, ctx.Err()
			}
			continue
		}
		select {
		case e.ch <- struct{}{}:
			if l.pendingTermination(e) != nil {
				<-e.ch
				continue
			}
			return l.releaser(id, e), nil
		case <-ctx.Done():
			l.unref(id, e)
			return nil, ctx.Err()
		}
	}
}

// TryAcquire makes a bounded number of attempts, sleeping backoff between them.
// An attempt made while a termination is queued counts as failed.
func (l *Locker) TryAcquire(ctx context.Context, id string, attempts int, backoff time.Duration) (func(), bool) {
	if attempts < 1 {
		attempts = 1
	}
	e := l.ref(id)
	for i := 0; i < attempts; i++ {
		if l.pendingTermination(e) == nil {
			select {
			case e.ch <- struct{}{}:
				if l.pendingTermination(e) == nil {
					return l.releaser(id, e), true
				}
				<-e.ch
			default:
			}
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			l.unref(id, e)
			return nil, false
		case <-time.After(backoff):
		}
	}
	l.unref(id, e)
	return nil, false
}

// AcquireTerminating takes the lock for a termination that must win over queued debits.
// Ordinary acquirers stand aside until every queued termination has released.
func (l *Locker) AcquireTerminating(ctx context.Context, id string) (func(), error) {
	e := l.ref(id)
	l.mu.Lock()
	if e.terminating == 0 {
		e.drained = make(chan struct{})
	}
	e.terminating++
	l.mu.Unlock()

	done := func() {
		l.mu.Lock()
		e.terminating--
		if e.terminating == 0 {
			close(e.drained)
		}
		l.mu.Unlock()
	}

	select {
	case e.ch <- struct{}{}:
		release := l.releaser(id, e)
		var once sync.Once
		return func() {
			once.Do(func() {
				done()
				release()
			})
		}, nil
	case <-ctx.Done():
		done()
		l.unref(id, e)
		return nil, ctx.Err()
	}
}

// Terminating reports whether a termination holds or waits on the session lock.
func (l *Locker) Terminating(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[id]
	return ok && e.terminating > 0
}

// Held returns the number of sessions with a holder or waiter.
func (l *Locker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *Locker) releaser(id string, e *lockEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.unref(id, e)
		})
	}
}
