// Package sched is the cooperative tick scheduler. Every multi-tick wait in the refuge
// code is a Task stepped once per tick; a task suspends by returning false and finishes
// (and is deregistered) by returning true. Nothing here blocks.
package sched

import "sort"

type ID uint64

type Task interface {
	// Step runs once per tick and reports whether the task is finished.
	Step(tick uint64) bool
}

// TaskFunc adapts a function to Task.
type TaskFunc func(tick uint64) bool

func (f TaskFunc) Step(tick uint64) bool { return f(tick) }

// Scheduler is driven from a single goroutine; it is not safe for concurrent use.
type Scheduler struct {
	tick   uint64
	nextID ID
	tasks  map[ID]Task
}

func New() *Scheduler {
	return &Scheduler{tasks: map[ID]Task{}}
}

func (s *Scheduler) Now() uint64 { return s.tick }
func (s *Scheduler) Len() int    { return len(s.tasks) }

func (s *Scheduler) Add(t Task) ID {
	s.nextID++
	s.tasks[s.nextID] = t
	return s.nextID
}

func (s *Scheduler) Remove(id ID) bool {
	if _, ok := s.tasks[id]; !ok {
		return false
	}
	delete(s.tasks, id)
	return true
}

func (s *Scheduler) Active(id ID) bool {
	_, ok := s.tasks[id]
	return ok
}

// Tick advances the clock and steps every task registered before this call,
// in registration order. Tasks added during the tick first run on the next one.
func (s *Scheduler) Tick() {
	s.tick++
	ids := make([]ID, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		if t.Step(s.tick) {
			delete(s.tasks, id)
		}
	}
}

// After runs fn once, delay ticks from now.
func (s *Scheduler) After(delay int, fn func()) ID {
	due := s.tick + uint64(max(delay, 0))
	return s.Add(TaskFunc(func(tick uint64) bool {
		if tick < due {
			return false
		}
		fn()
		return true
	}))
}

// PollSpec describes a bounded poll. Alive is checked first every tick; when it
// fails OnAbort runs and the poll is dropped. Check is then evaluated and OnDone runs on
// the first true. After MaxTicks failed checks OnTimeout runs.
type PollSpec struct {
	MaxTicks  int
	Alive     func() bool
	Check     func() bool
	OnDone    func()
	OnTimeout func()
	OnAbort   func()
}

type poll struct {
	spec     PollSpec
	attempts int
}

func (p *poll) Step(uint64) bool {
	if p.spec.Alive != nil && !p.spec.Alive() {
		if p.spec.OnAbort != nil {
			p.spec.OnAbort()
		}
		return true
	}
	if p.spec.Check() {
		if p.spec.OnDone != nil {
			p.spec.OnDone()
		}
		return true
	}
	p.attempts++
	if p.spec.MaxTicks > 0 && p.attempts >= p.spec.MaxTicks {
		if p.spec.OnTimeout != nil {
			p.spec.OnTimeout()
		}
		return true
	}
	return false
}

func (s *Scheduler) Poll(spec PollSpec) ID {
	return s.Add(&poll{spec: spec})
}
