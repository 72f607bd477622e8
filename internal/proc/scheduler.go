package proc

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"idosnx/internal/defs"
	"idosnx/internal/metrics"
)

var log = logrus.WithField("component", "sched")

// Scheduler owns the process-wide task map and the single "current task"
// cursor, mirroring switching.rs's TASK_MAP/CURRENT_ID statics — spec.md §9
// calls these out explicitly as process-wide singletons protected by a
// reader-writer lock.
type Scheduler struct {
	mu      sync.RWMutex
	tasks   map[defs.TaskID]*Task
	current defs.TaskID
	nextID  defs.TaskID
}

func New() *Scheduler {
	return &Scheduler{tasks: make(map[defs.TaskID]*Task)}
}

// NextID allocates a monotonic, never-reused task ID (spec.md §3: "IDs are
// allocated from a monotonic generator and never reused within a boot").
func (s *Scheduler) NextID() defs.TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

// Insert adds a task to the process-wide map.
func (s *Scheduler) Insert(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
}

// Get returns a task by ID.
func (s *Scheduler) Get(id defs.TaskID) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}

// CurrentID returns the task ID the scheduler believes is running.
func (s *Scheduler) CurrentID() defs.TaskID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Current returns the currently running task.
func (s *Scheduler) Current() (*Task, bool) {
	return s.Get(s.CurrentID())
}

// FindNextRunnableTask is switching.rs's find_next_running_task ported
// exactly: "from the current task, find the smallest ID strictly greater;
// if none, wrap to the smallest eligible ID overall." Returns false if no
// task (other than the idle task, which is always eligible) can resume.
func (s *Scheduler) FindNextRunnableTask() (defs.TaskID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]defs.TaskID, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	current := s.current
	var firstRunnable defs.TaskID
	haveFirst := false

	for _, id := range ids {
		if id == current {
			continue
		}
		if !s.tasks[id].State.CanResume() {
			continue
		}
		if id > current {
			return id, true
		}
		if !haveFirst {
			firstRunnable = id
			haveFirst = true
		}
	}
	return firstRunnable, haveFirst
}

// YieldCoop cooperatively yields: find another runnable task and switch to
// it, matching switching.rs's yield_coop(). A no-op if nothing else is
// runnable.
func (s *Scheduler) YieldCoop() {
	next, ok := s.FindNextRunnableTask()
	if !ok {
		return
	}
	s.SwitchTo(next)
}

// SwitchTo performs the context switch described in spec.md §4.4: the
// outgoing task's state is left as-is by the caller (it is responsible for
// having already set its own blocking state before yielding), CR3/ESP
// bookkeeping is simulated by signalling the incoming task's resume
// channel, and an Initialized task transitions to Running on its first
// resume (standing in for "additionally pop the iretd frame to enter user
// mode for the first time").
func (s *Scheduler) SwitchTo(id defs.TaskID) {
	s.mu.Lock()
	next, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		panic("proc: switch to task that does not exist")
	}
	s.current = id
	if next.State == Initialized {
		next.State = Running
	}
	s.mu.Unlock()

	metrics.SchedulerSwitches.Inc()
	log.WithField("task", id).Debug("switch_to")
	select {
	case next.resumeCh <- struct{}{}:
	default:
	}
}

// UpdateTimeouts decrements by ms the timeout of every Sleeping task and of
// every futex or wake-set waiter that has one, and transitions expired ones
// back to Running, matching switching.rs's update_timeouts.
func (s *Scheduler) UpdateTimeouts(ms uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		switch t.State {
		case Sleeping:
		case BlockedOnFutex, BlockedOnWakeSet:
			if t.TimeoutMs == 0 {
				// Waiting without a timeout.
				continue
			}
		default:
			continue
		}
		t.UpdateTimeout(ms)
		if t.TimeoutMs == 0 {
			t.State = Running
		}
	}
}

// ForEachTask calls f for every task in the process-wide map.
func (s *Scheduler) ForEachTask(f func(*Task)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tasks {
		f(t)
	}
}

// Remove deletes a task from the map; called by Reap once teardown
// (handle-table drain, frame reclaim) has completed.
func (s *Scheduler) Remove(id defs.TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}
