// Package rt nudges the scheduler so the control loop's jitter stays inside
// one capture period: a modest real-time priority, plus a utilization clamp
// so the periodic wakeups do not provoke CPU frequency boosts.
package rt

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Priority is deliberately low for SCHED_RR: the loop must preempt desktop
// noise, not audio servers or the kernel's own threads.
const Priority = 10

// Apply puts the calling thread under SCHED_RR and, when uclampMax is
// non-zero, caps its utilization estimate at uclampMax (0–1024 scale).
// Both knobs are best-effort: the supervisor protects speakers fine with
// ordinary scheduling, just with more jitter.
func Apply(uclampMax int) error {
	attr := unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_RR,
		Priority: Priority,
	}
	if uclampMax > 0 {
		attr.Flags = unix.SCHED_FLAG_UTIL_CLAMP_MAX | unix.SCHED_FLAG_KEEP_ALL
		attr.Util_max = uint32(uclampMax)
	}

	if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
		return fmt.Errorf("sched_setattr(SCHED_RR prio %d, uclamp_max %d): %w",
			Priority, uclampMax, err)
	}
	return nil
}
