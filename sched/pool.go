// Package sched runs a DAG of block tasks on a fixed number of workers. A task
// is dispatched only once every task it depends on has completed.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.dedis.ch/onet/v3/log"
)

var (
	// ErrDependencyMissing means some submitted tasks can never become ready.
	ErrDependencyMissing = errors.New("dependency missing")
	// ErrTimeout is returned when the job deadline passes before the DAG drains.
	ErrTimeout = errors.New("job timed out")
	// ErrDuplicateTask is returned when a task id is submitted twice.
	ErrDuplicateTask = errors.New("duplicate task")
)

// TaskID names a task by the block it produces.
type TaskID struct {
	Row int
	Col int
}

func (id TaskID) String() string {
	return fmt.Sprintf("(%d,%d)", id.Row, id.Col)
}

type Task struct {
	ID   TaskID
	Deps []TaskID
	Run  func(ctx context.Context) error
}

type state int

const (
	waiting state = iota
	ready
	running
	completed
	failed
)

type node struct {
	task       Task
	state      state
	unresolved int
	dependents []*node
}

// Stats counts task outcomes.
type Stats struct {
	Submitted int
	Completed int
	Failed    int
	Dropped   int
}

type Option func(*Pool)

// WithSatisfied marks a dependency that was never submitted as already
// satisfied, e.g. because its output block is present in the store.
func WithSatisfied(fn func(TaskID) bool) Option {
	return func(p *Pool) { p.satisfied = fn }
}

func WithName(name string) Option {
	return func(p *Pool) { p.name = name }
}

type Pool struct {
	name      string
	workers   int
	satisfied func(TaskID) bool

	mu      sync.Mutex
	cond    *sync.Cond
	nodes   map[TaskID]*node
	blocked map[TaskID][]*node // dependents of ids not submitted yet
	queue   []*node
	pending int
	active  int
	err     error
	stats   Stats
}

func NewPool(workers int, opts ...Option) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		name:    "pool",
		workers: workers,
		nodes:   make(map[TaskID]*node),
		blocked: make(map[TaskID][]*node),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) Workers() int { return p.workers }

// Submit adds a task. It may be called before Drain or from inside a
// running task.
func (p *Pool) Submit(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("%s: task %v has no body", p.name, t.ID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if _, ok := p.nodes[t.ID]; ok {
		return fmt.Errorf("%s: %w %v", p.name, ErrDuplicateTask, t.ID)
	}

	n := &node{task: t}
	p.nodes[t.ID] = n
	p.pending++
	p.stats.Submitted++

	seen := make(map[TaskID]bool, len(t.Deps))
	for _, dep := range t.Deps {
		if seen[dep] || dep == t.ID {
			continue
		}
		seen[dep] = true
		if d, ok := p.nodes[dep]; ok {
			if d.state == completed {
				continue
			}
			d.dependents = append(d.dependents, n)
			n.unresolved++
			continue
		}
		if p.satisfied != nil && p.satisfied(dep) {
			continue
		}
		p.blocked[dep] = append(p.blocked[dep], n)
		n.unresolved++
	}

	// tasks submitted earlier may be waiting on this one
	if waiters, ok := p.blocked[t.ID]; ok {
		n.dependents = append(n.dependents, waiters...)
		delete(p.blocked, t.ID)
	}

	if n.unresolved == 0 {
		p.pushLocked(n)
	}
	return nil
}

func (p *Pool) pushLocked(n *node) {
	n.state = ready
	p.queue = append(p.queue, n)
	p.cond.Broadcast()
}

// Drain runs tasks until every submitted task has completed or the first
// failure. After a failure no further task is started, queued tasks are
// dropped and running tasks are allowed to finish.
func (p *Pool) Drain(ctx context.Context) error {
	start := time.Now()
	jobs := make(chan *node, p.workers)

	var workerGroup sync.WaitGroup
	for thread := 0; thread < p.workers; thread++ {
		workerGroup.Add(1)
		go func(thread int) {
			defer workerGroup.Done()
			for n := range jobs {
				log.Lvl3(p.name, "thread", thread, "running task", n.task.ID)
				p.finish(n, run(ctx, n.task))
			}
		}(thread)
	}

	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	for {
		if p.err == nil && ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				p.err = fmt.Errorf("%s: %w after %v", p.name, ErrTimeout, time.Since(start).Round(time.Millisecond))
			} else {
				p.err = fmt.Errorf("%s: %w", p.name, ctx.Err())
			}
		}

		if p.err != nil {
			if p.active == 0 {
				break
			}
		} else {
			for len(p.queue) > 0 && p.active < p.workers {
				n := p.queue[0]
				p.queue = p.queue[1:]
				n.state = running
				p.active++
				jobs <- n
			}
			if p.pending == 0 {
				break
			}
			if p.active == 0 && len(p.queue) == 0 {
				if p.recheckLocked() {
					continue
				}
				p.err = p.missingLocked()
				break
			}
		}
		p.cond.Wait()
	}

	if p.err != nil {
		p.dropLocked()
	}
	err := p.err
	stats := p.stats
	p.mu.Unlock()

	close(jobs)
	workerGroup.Wait()

	if err != nil {
		log.Lvl2(p.name, "stopped after", time.Since(start), "completed", stats.Completed,
			"failed", stats.Failed, "dropped", stats.Dropped)
		return err
	}
	log.Lvl2(p.name, "drained", stats.Completed, "tasks in", time.Since(start))
	return nil
}

func run(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %v panicked: %v", t.ID, r)
		}
	}()
	return t.Run(ctx)
}

func (p *Pool) finish(n *node, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active--
	p.pending--

	if err != nil {
		n.state = failed
		p.stats.Failed++
		if p.err == nil {
			p.err = fmt.Errorf("%s: task %v: %w", p.name, n.task.ID, err)
		}
		p.cond.Broadcast()
		return
	}

	n.state = completed
	p.stats.Completed++
	for _, d := range n.dependents {
		d.unresolved--
		if d.unresolved == 0 && d.state == waiting {
			p.pushLocked(d)
		}
	}
	n.dependents = nil
	p.cond.Broadcast()
}

// recheckLocked gives the satisfied hook a second look at dependencies that
// were never submitted. It reports whether anything became ready.
func (p *Pool) recheckLocked() bool {
	if p.satisfied == nil {
		return false
	}
	progress := false
	for dep, waiters := range p.blocked {
		if !p.satisfied(dep) {
			continue
		}
		delete(p.blocked, dep)
		for _, n := range waiters {
			n.unresolved--
			if n.unresolved == 0 && n.state == waiting {
				p.pushLocked(n)
				progress = true
			}
		}
	}
	return progress
}

func (p *Pool) missingLocked() error {
	var deps []TaskID
	for dep := range p.blocked {
		deps = append(deps, dep)
	}
	sort.Slice(deps, func(a, b int) bool {
		if deps[a].Row != deps[b].Row {
			return deps[a].Row < deps[b].Row
		}
		return deps[a].Col < deps[b].Col
	})
	if len(deps) > 8 {
		return fmt.Errorf("%s: %w: %d tasks wait on %v and %d more", p.name, ErrDependencyMissing, p.pending, deps[:8], len(deps)-8)
	}
	if len(deps) == 0 {
		return fmt.Errorf("%s: %w: %d tasks wait on a dependency cycle", p.name, ErrDependencyMissing, p.pending)
	}
	return fmt.Errorf("%s: %w: %d tasks wait on %v", p.name, ErrDependencyMissing, p.pending, deps)
}

func (p *Pool) dropLocked() {
	for _, n := range p.nodes {
		if n.state == waiting || n.state == ready {
			n.state = failed
			p.stats.Dropped++
		}
	}
	p.queue = nil
	p.pending = 0
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
