// Package runloop drives the cooperative core. Everything registered is
// polled from a single goroutine, so pollers share state without locks and
// must never block.
package runloop

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ThreadID tags pollers with the logical queue they belong to.
// Lower ids are polled first within a tick.
type ThreadID uint8

type PollFunc func(userData interface{})

type entry struct {
	thread   ThreadID
	poll     PollFunc
	userData interface{}
}

type Loop struct {
	interval time.Duration
	entries  []entry
	running  bool

	mu      sync.Mutex
	pending []func()
}

func New(interval time.Duration) *Loop {
	if interval <= 0 {
		panic("runloop: invalid interval")
	}
	return &Loop{interval: interval}
}

// Register adds a poller. Not allowed once Run started.
func (l *Loop) Register(thread ThreadID, poll PollFunc, userData interface{}) {
	if poll == nil {
		panic("runloop: nil poll callback")
	}
	if l.running {
		panic("runloop: Register after Run")
	}
	l.entries = append(l.entries, entry{thread, poll, userData})
	sort.SliceStable(l.entries, func(i, j int) bool {
		return l.entries[i].thread < l.entries[j].thread
	})
}

// Do queues fn to run on the loop goroutine at the start of the next tick.
// Safe to call from any goroutine.
func (l *Loop) Do(fn func()) {
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()
}

// Tick runs queued functions, then every poller once.
func (l *Loop) Tick() {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
	for i := range l.entries {
		e := &l.entries[i]
		e.poll(e.userData)
	}
}

// TickThread polls only the entries of one thread.
func (l *Loop) TickThread(thread ThreadID) {
	for i := range l.entries {
		if e := &l.entries[i]; e.thread == thread {
			e.poll(e.userData)
		}
	}
}

// Run ticks until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	l.running = true
	defer func() { l.running = false }()

	t := time.NewTicker(l.interval)
	defer t.Stop()

	log.WithFields(log.Fields{
		"interval": l.interval,
		"pollers":  len(l.entries),
	}).Debug("Run loop started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			l.Tick()
		}
	}
}
