package execution

import (
	"sync"

	"github.com/rendis/flowengine/pkg/schema"
)

// stepLog is the append-only backing store shared by context snapshots.
// Entries below any published snapshot length are never written again; a
// snapshot that is not at the tail forks the log instead of appending.
type stepLog struct {
	mu      sync.Mutex
	entries []Entry
}

func (l *stepLog) view(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[:n:n]
}

func (l *stepLog) appendAt(n int, e Entry) *stepLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == n {
		l.entries = append(l.entries, e)
		return l
	}
	forked := make([]Entry, n, n+1)
	copy(forked, l.entries[:n])
	return &stepLog{entries: append(forked, e)}
}

func (l *stepLog) replaceAt(n, i int, e Entry) *stepLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	forked := make([]Entry, n)
	copy(forked, l.entries[:n])
	forked[i] = e
	return &stepLog{entries: forked}
}

// ExecutionContext is the accumulated state of a run. It is a value type:
// every mutator returns a new context and leaves the receiver untouched, so
// snapshots can be kept and shared without locking.
type ExecutionContext struct {
	log       *stepLog
	n         int
	parent    *ExecutionContext
	taskCount int
	verdict   schema.Verdict
	payload   any
}

// New returns an empty RUNNING context.
func New() ExecutionContext {
	return ExecutionContext{log: &stepLog{}, verdict: schema.VerdictRunning}
}

// FromSteps returns a RUNNING context seeded with previously recorded outputs.
func FromSteps(steps Steps, taskCount int) ExecutionContext {
	entries := make([]Entry, len(steps))
	copy(entries, steps)
	return ExecutionContext{
		log:       &stepLog{entries: entries},
		n:         len(entries),
		taskCount: taskCount,
		verdict:   schema.VerdictRunning,
	}
}

func (ec ExecutionContext) entries() []Entry {
	if ec.log == nil {
		return nil
	}
	return ec.log.view(ec.n)
}

func (ec ExecutionContext) indexOf(name string) int {
	entries := ec.entries()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Name == name {
			return i
		}
	}
	return -1
}

// IsCompleted reports whether name already has a terminal output in this scope.
func (ec ExecutionContext) IsCompleted(name string) bool {
	out, ok := ec.StepOutput(name)
	return ok && out.Status.IsTerminal()
}

// StepOutput returns the output recorded for name in this scope only.
func (ec ExecutionContext) StepOutput(name string) (StepOutput, bool) {
	i := ec.indexOf(name)
	if i < 0 {
		return StepOutput{}, false
	}
	return ec.entries()[i].Output, true
}

// Lookup resolves name in this scope, then in enclosing loop scopes.
func (ec ExecutionContext) Lookup(name string) (StepOutput, bool) {
	for cur := &ec; cur != nil; cur = cur.parent {
		if out, ok := cur.StepOutput(name); ok {
			return out, true
		}
	}
	return StepOutput{}, false
}

// UpsertStep records out under name. Existing entries are replaced in place;
// new entries are appended only while the verdict is RUNNING.
func (ec ExecutionContext) UpsertStep(name string, out StepOutput) ExecutionContext {
	if ec.log == nil {
		ec.log = &stepLog{}
	}
	e := Entry{Name: name, Output: out}
	if i := ec.indexOf(name); i >= 0 {
		ec.log = ec.log.replaceAt(ec.n, i, e)
		return ec
	}
	if ec.verdict != schema.VerdictRunning {
		return ec
	}
	ec.log = ec.log.appendAt(ec.n, e)
	ec.n++
	return ec
}

// IncreaseTask counts one more attempted step.
func (ec ExecutionContext) IncreaseTask() ExecutionContext {
	ec.taskCount++
	return ec
}

// SetVerdict sets the run-wide verdict and its payload.
func (ec ExecutionContext) SetVerdict(v schema.Verdict, payload any) ExecutionContext {
	ec.verdict = v
	ec.payload = payload
	return ec
}

func (ec ExecutionContext) Verdict() schema.Verdict { return ec.verdict }

// VerdictPayload is the pause metadata or stop response attached to the verdict.
func (ec ExecutionContext) VerdictPayload() any { return ec.payload }

func (ec ExecutionContext) TaskCount() int { return ec.taskCount }

// Steps returns the outputs recorded in this scope, in execution order.
func (ec ExecutionContext) Steps() Steps {
	entries := ec.entries()
	out := make(Steps, len(entries))
	copy(out, entries)
	return out
}

// NewIteration opens an isolated scope for one loop iteration. The child sees
// the receiver's steps through Lookup but records into its own map, seeded
// with seed when an earlier attempt of the iteration was persisted.
func (ec ExecutionContext) NewIteration(seed Steps) ExecutionContext {
	parent := ec
	child := FromSteps(seed, ec.taskCount)
	child.parent = &parent
	return child
}

// AbsorbTasks carries the task counter of a finished child scope into ec.
func (ec ExecutionContext) AbsorbTasks(child ExecutionContext) ExecutionContext {
	if child.taskCount > ec.taskCount {
		ec.taskCount = child.taskCount
	}
	return ec
}

// MentionScope returns the values visible to {{mentions}} from this scope:
// step name → mention value, inner scopes shadowing outer ones.
func (ec ExecutionContext) MentionScope() map[string]any {
	var chain []ExecutionContext
	for cur := &ec; cur != nil; cur = cur.parent {
		chain = append(chain, *cur)
	}
	scope := make(map[string]any)
	for i := len(chain) - 1; i >= 0; i-- {
		for _, e := range chain[i].entries() {
			scope[e.Name] = e.Output.MentionValue()
		}
	}
	return scope
}
