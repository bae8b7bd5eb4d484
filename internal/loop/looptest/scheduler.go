// Package looptest provides a deterministic loop.Scheduler for tests: time
// only moves on Advance and off-loop work only runs on Flush.
package looptest

import (
	"sort"
	"time"

	"github.com/beegramm/beegram/internal/loop"
)

// Epoch is the start time of every new Scheduler.
var Epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// Scheduler is a manual loop.Scheduler. It is not safe for concurrent use
// except for Post, which fake collaborators may call from any goroutine.
type Scheduler struct {
	now    time.Time
	seq    int
	timers []*timer
	posted chan func()
	work   []func() func()
}

var _ loop.Scheduler = (*Scheduler)(nil)

type timer struct {
	when    time.Time
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func (t *timer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// New returns a scheduler whose clock reads Epoch.
func New() *Scheduler {
	return &Scheduler{now: Epoch, posted: make(chan func(), 1024)}
}

// Now returns the manual clock.
func (s *Scheduler) Now() time.Time { return s.now }

// Elapsed returns the time since Epoch.
func (s *Scheduler) Elapsed() time.Duration { return s.now.Sub(Epoch) }

// Post queues fn until the next Flush or Advance.
func (s *Scheduler) Post(fn func()) { s.posted <- fn }

// AfterFunc registers fn to run when the clock reaches now+d.
func (s *Scheduler) AfterFunc(d time.Duration, fn func()) loop.Timer {
	s.seq++
	t := &timer{when: s.now.Add(d), seq: s.seq, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// Go queues work; it runs, together with its continuation, on Flush.
func (s *Scheduler) Go(work func() func()) {
	s.work = append(s.work, work)
}

// PendingWork reports how many Go calls have not run yet.
func (s *Scheduler) PendingWork() int { return len(s.work) }

// Flush runs posted callbacks and pending work until both queues are empty.
func (s *Scheduler) Flush() {
	for {
		s.drainPosted()
		if len(s.work) == 0 {
			if len(s.posted) == 0 {
				return
			}
			continue
		}
		w := s.work[0]
		s.work = s.work[1:]
		if cont := w(); cont != nil {
			cont()
		}
	}
}

// RunWorkAt runs only the i-th pending work item and its continuation,
// letting tests deliver async results out of order.
func (s *Scheduler) RunWorkAt(i int) {
	w := s.work[i]
	s.work = append(s.work[:i:i], s.work[i+1:]...)
	if cont := w(); cont != nil {
		cont()
	}
	s.drainPosted()
}

// Advance moves the clock forward by d, firing due timers in order.
func (s *Scheduler) Advance(d time.Duration) {
	target := s.now.Add(d)
	for {
		s.drainPosted()
		next := s.nextDue(target)
		if next == nil {
			break
		}
		s.now = next.when
		next.fired = true
		next.fn()
	}
	s.now = target
	s.drainPosted()
}

func (s *Scheduler) nextDue(limit time.Time) *timer {
	live := s.timers[:0]
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	s.timers = live
	sort.SliceStable(s.timers, func(i, j int) bool {
		if s.timers[i].when.Equal(s.timers[j].when) {
			return s.timers[i].seq < s.timers[j].seq
		}
		return s.timers[i].when.Before(s.timers[j].when)
	})
	if len(s.timers) == 0 || s.timers[0].when.After(limit) {
		return nil
	}
	return s.timers[0]
}

func (s *Scheduler) drainPosted() {
	for {
		select {
		case fn := <-s.posted:
			fn()
		default:
			return
		}
	}
}
