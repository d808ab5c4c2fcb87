package kernel

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

func runnable(pid int, predicted int32) Process {
	return Process{Pid: pid, state: Runnable, predicted: predicted}
}

func TestPolicies(t *testing.T) {
	n := neko.Modern(t)

	n.It("looks policies up by name", func(t *testing.T) {
		require.Equal(t, []string{"hrrn", "rr", "sjn", "srt"}, PolicyNames())

		p, err := PolicyByName("srt")
		require.NoError(t, err)
		require.Equal(t, "srt", p.Name())

		_, err = PolicyByName("lottery")
		require.Equal(t, ErrUnknownPolicy, errors.Cause(err))
	})

	n.It("round robin visits every runnable process in turn", func(t *testing.T) {
		procs := make([]Process, NPROC)
		procs[0] = runnable(1, 0)
		procs[1] = runnable(2, 0)
		procs[2] = runnable(3, 0)

		rr := &RoundRobin{}

		var pids []int
		for i := 0; i < 6; i++ {
			pids = append(pids, rr.Pick(procs, 0).Pid)
		}

		require.Equal(t, []int{2, 3, 1, 2, 3, 1}, pids)
	})

	n.It("round robin returns nil with nothing runnable", func(t *testing.T) {
		procs := make([]Process, NPROC)
		procs[0] = Process{Pid: 1, state: Sleeping}

		rr := &RoundRobin{}
		require.Nil(t, rr.Pick(procs, 0))
	})

	n.It("sjn picks the shortest prediction and pins it", func(t *testing.T) {
		procs := make([]Process, NPROC)
		procs[0] = runnable(1, 5)
		procs[1] = runnable(2, 2)
		procs[2] = runnable(3, 8)

		s := &ShortestJobNext{}

		require.Equal(t, 2, s.Pick(procs, 0).Pid)

		// Still pinned on cpu 0 even when something shorter shows up.
		procs[3] = runnable(4, 1)
		require.Equal(t, 2, s.Pick(procs, 0).Pid)

		// Another CPU skips the pinned process.
		require.Equal(t, 4, s.Pick(procs, 1).Pid)

		// Once it blocks the pin goes away.
		procs[1].state = Sleeping
		require.Equal(t, 1, s.Pick(procs, 0).Pid)
	})

	n.It("sjn gives ties to the later slot", func(t *testing.T) {
		procs := make([]Process, NPROC)
		procs[0] = runnable(1, 3)
		procs[1] = runnable(2, 3)
		procs[2] = runnable(3, 4)

		s := &ShortestJobNext{}
		require.Equal(t, 2, s.Pick(procs, 0).Pid)
	})

	n.It("sjn lets a negative prediction jump the queue", func(t *testing.T) {
		procs := make([]Process, NPROC)
		procs[0] = runnable(1, 1)
		procs[1] = runnable(2, -1)

		s := &ShortestJobNext{}
		require.Equal(t, 2, s.Pick(procs, 0).Pid)
	})

	n.It("sjn leaves kernel-mode processes alone", func(t *testing.T) {
		procs := make([]Process, NPROC)
		procs[0] = runnable(1, 1)
		procs[0].kernelMode = true
		procs[1] = runnable(2, 9)

		s := &ShortestJobNext{}
		require.Equal(t, 2, s.Pick(procs, 0).Pid)
	})

	n.It("srt picks the least remaining time", func(t *testing.T) {
		procs := make([]Process, NPROC)
		procs[0] = runnable(1, 10)
		procs[0].times.CPU = 8
		procs[1] = runnable(2, 5)

		s := &ShortestRemainingTime{}
		require.Equal(t, 1, s.Pick(procs, 0).Pid)

		procs[0].times.CPU = 7
		procs[1].times.CPU = 2
		require.Equal(t, 1, s.Pick(procs, 0).Pid)

		procs[2] = runnable(3, -4)
		require.Equal(t, 3, s.Pick(procs, 0).Pid)
	})

	n.It("hrrn picks the highest response ratio", func(t *testing.T) {
		procs := make([]Process, NPROC)

		// (10+5)/5 = 3 against (2+1)/1 = 3: the first one wins the tie.
		procs[0] = runnable(1, 5)
		procs[0].times.Wait = 10
		procs[1] = runnable(2, 1)
		procs[1].times.Wait = 2

		h := &HighestResponseRatio{}
		require.Equal(t, 1, h.Pick(procs, 0).Pid)

		// (3+1)/1 = 4 beats 3, but cpu 0 is pinned to pid 1.
		procs[1].times.Wait = 3
		require.Equal(t, 1, h.Pick(procs, 0).Pid)
		require.Equal(t, 2, h.Pick(procs, 1).Pid)

		h = &HighestResponseRatio{}
		require.Equal(t, 2, h.Pick(procs, 0).Pid)
	})

	n.It("hrrn counts used up predictions as one tick of service", func(t *testing.T) {
		procs := make([]Process, NPROC)
		procs[0] = runnable(1, 0)
		procs[1] = runnable(2, 10)
		procs[1].times.Wait = 5

		h := &HighestResponseRatio{}
		require.Equal(t, 2, h.Pick(procs, 0).Pid)

		procs[0].times.Wait = 1
		h = &HighestResponseRatio{}
		require.Equal(t, 1, h.Pick(procs, 0).Pid)
	})

	n.Meow()
}

func TestSchedulerBookkeeping(t *testing.T) {
	n := neko.Modern(t)

	n.It("serves kernel-mode processes before the policy", func(t *testing.T) {
		k := &Kernel{policy: &ShortestJobNext{}}

		k.ptable.proc[0] = runnable(1, 1)
		k.ptable.proc[2] = runnable(3, 50)
		k.ptable.proc[2].kernelMode = true

		p := k.pick(&CPU{ID: 0})
		require.Equal(t, 3, p.Pid)
	})

	n.It("charges one tick per decision", func(t *testing.T) {
		k := &Kernel{}

		k.ptable.proc[0] = Process{Pid: 1, state: Sleeping}
		k.ptable.proc[1] = runnable(2, 0)
		k.ptable.proc[2] = runnable(3, 0)
		k.ptable.proc[3] = Process{Pid: 4, state: Zombie}

		k.adjustTicks(&k.ptable.proc[1])

		require.Equal(t, Times{Real: 1, Sleep: 1}, k.ptable.proc[0].times)
		require.Equal(t, Times{Real: 1, CPU: 1}, k.ptable.proc[1].times)
		require.Equal(t, Times{Real: 1, Wait: 1}, k.ptable.proc[2].times)
		require.Equal(t, Times{Real: 1}, k.ptable.proc[3].times)
		require.Equal(t, Times{}, k.ptable.proc[4].times)
	})

	n.It("charges no cpu tick when nobody is picked", func(t *testing.T) {
		k := &Kernel{}

		k.ptable.proc[0] = runnable(1, 0)

		k.adjustTicks(nil)

		require.Equal(t, Times{Real: 1, Wait: 1}, k.ptable.proc[0].times)
	})

	n.It("decays the load average in fixed point", func(t *testing.T) {
		k := &Kernel{}

		k.ptable.proc[0] = runnable(1, 0)
		k.ptable.proc[1] = runnable(2, 0)
		k.ptable.proc[2] = Process{Pid: 3, state: Running}
		k.ptable.proc[3] = Process{Pid: 4, state: Sleeping}

		k.updateLoad()
		require.Equal(t, 3, k.runnables)
		require.Equal(t, uint32(23), k.loadavg)

		k.updateLoad()
		require.Equal(t, uint32(45), k.loadavg)

		for i := range k.ptable.proc[:3] {
			k.ptable.proc[i].state = Sleeping
		}

		k.updateLoad()
		require.Equal(t, 0, k.runnables)
		require.Equal(t, uint32(44), k.loadavg)
	})

	n.Meow()
}
