package kernel

import (
	"sort"

	"github.com/pkg/errors"
)

// Policy chooses the next process to run from the RUNNABLE slots of the
// process table. Pick is called with the process table lock held and
// returns nil when nothing is runnable.
type Policy interface {
	Name() string
	Pick(procs []Process, cpu int) *Process
}

var ErrUnknownPolicy = errors.New("unknown scheduling policy")

var policies = map[string]func() Policy{
	"rr":   func() Policy { return &RoundRobin{} },
	"sjn":  func() Policy { return &ShortestJobNext{} },
	"srt":  func() Policy { return &ShortestRemainingTime{} },
	"hrrn": func() Policy { return &HighestResponseRatio{} },
}

// PolicyByName returns a fresh policy: rr, sjn, srt or hrrn.
func PolicyByName(name string) (Policy, error) {
	f, ok := policies[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownPolicy, "%q", name)
	}

	return f(), nil
}

// PolicyNames lists the names PolicyByName accepts.
func PolicyNames() []string {
	var names []string
	for name := range policies {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// RoundRobin scans the table starting after the slot it picked last. The
// index is shared by all CPUs.
type RoundRobin struct {
	index int
}

func (r *RoundRobin) Name() string {
	return "rr"
}

func (r *RoundRobin) Pick(procs []Process, cpu int) *Process {
	for i := range procs {
		j := (i + r.index + 1) % len(procs)

		p := &procs[j]
		if p.state != Runnable {
			continue
		}

		r.index = j

		return p
	}

	return nil
}

// pin remembers the process a CPU is in the middle of running. It stays
// pinned until it leaves RUNNABLE.
type pin struct {
	p   *Process
	pid int
}

type pinning struct {
	pins [NCPU]pin
}

func (pn *pinning) pinned(cpu int) *Process {
	pi := pn.pins[cpu]
	if pi.p != nil && pi.p.Pid == pi.pid && pi.p.state == Runnable {
		return pi.p
	}

	pn.pins[cpu] = pin{}

	return nil
}

func (pn *pinning) pinnedElsewhere(p *Process, cpu int) bool {
	for i, pi := range pn.pins {
		if i != cpu && pi.p == p && pi.pid == p.Pid {
			return true
		}
	}

	return false
}

func (pn *pinning) pin(p *Process, cpu int) {
	if p != nil {
		pn.pins[cpu] = pin{p: p, pid: p.Pid}
	}
}

// candidate reports whether p takes part in a burst-based policy. Processes
// in the kernel are served by the kernel-mode pre-check instead.
func candidate(p *Process) bool {
	return p.state == Runnable && !p.kernelMode
}

// remaining is a process's predicted ticks not yet consumed.
func remaining(p *Process) int64 {
	return int64(p.predicted) - int64(p.times.CPU)
}

// ShortestJobNext runs the process with the fewest predicted ticks and keeps
// running it on the same CPU until it blocks or exits. A negative
// prediction jumps the queue.
type ShortestJobNext struct {
	pinning
}

func (s *ShortestJobNext) Name() string {
	return "sjn"
}

func (s *ShortestJobNext) Pick(procs []Process, cpu int) *Process {
	if p := s.pinned(cpu); p != nil {
		return p
	}

	var best *Process

	for i := range procs {
		p := &procs[i]
		if !candidate(p) || s.pinnedElsewhere(p, cpu) {
			continue
		}

		if p.predicted < 0 {
			best = p
			break
		}

		// Ties go to the later slot.
		if best == nil || p.predicted <= best.predicted {
			best = p
		}
	}

	s.pin(best, cpu)

	return best
}

// ShortestRemainingTime runs the process with the fewest predicted ticks
// left. A negative prediction jumps the queue.
type ShortestRemainingTime struct{}

func (s *ShortestRemainingTime) Name() string {
	return "srt"
}

func (s *ShortestRemainingTime) Pick(procs []Process, cpu int) *Process {
	var best *Process

	for i := range procs {
		p := &procs[i]
		if !candidate(p) {
			continue
		}

		if p.predicted < 0 {
			return p
		}

		if best == nil || remaining(p) < remaining(best) {
			best = p
		}
	}

	return best
}

// HighestResponseRatio runs the process with the highest
// (wait + service) / service, where service is the predicted ticks left,
// and pins it like ShortestJobNext. A negative prediction jumps the queue.
type HighestResponseRatio struct {
	pinning
}

func (h *HighestResponseRatio) Name() string {
	return "hrrn"
}

// service is the remaining service time used in the ratio. It never drops
// below one tick.
func service(p *Process) int64 {
	if s := remaining(p); s > 0 {
		return s
	}

	return 1
}

// higherRatio reports whether a's response ratio beats b's. The ratios are
// compared by cross multiplication to stay in integers.
func higherRatio(a, b *Process) bool {
	sa, sb := service(a), service(b)
	wa, wb := int64(a.times.Wait), int64(b.times.Wait)

	return (wa+sa)*sb > (wb+sb)*sa
}

func (h *HighestResponseRatio) Pick(procs []Process, cpu int) *Process {
	if p := h.pinned(cpu); p != nil {
		return p
	}

	var best *Process

	for i := range procs {
		p := &procs[i]
		if !candidate(p) || h.pinnedElsewhere(p, cpu) {
			continue
		}

		if p.predicted < 0 {
			best = p
			break
		}

		if best == nil || higherRatio(p, best) {
			best = p
		}
	}

	h.pin(best, cpu)

	return best
}
