package sandbox

import (
	"fmt"
	"time"
)

// Limits are the resource ceilings applied to every execution. Wall clock,
// subprocess count, and output size are enforced; CPU seconds and memory
// are advisory for backends whose own runtime enforces limits.
type Limits struct {
	Timeout         time.Duration
	MaxSubprocesses int
	MaxOutputBytes  int64
	CPUSeconds      int
	MemoryMB        int
	MaxFileSizeMB   int
}

// DefaultLimits returns conservative ceilings suitable for local use.
func DefaultLimits() Limits {
	return Limits{
		Timeout:         30 * time.Second,
		MaxSubprocesses: 4,
		MaxOutputBytes:  4 << 20,
		CPUSeconds:      30,
		MemoryMB:        512,
		MaxFileSizeMB:   64,
	}
}

// Env renders advisory limits as environment variables for cli/container
// children. The child may honor them; the wall clock always applies.
func (l Limits) Env() []string {
	return []string{
		fmt.Sprintf("CAPGATE_LIMIT_CPU_SECONDS=%d", l.CPUSeconds),
		fmt.Sprintf("CAPGATE_LIMIT_MEMORY_MB=%d", l.MemoryMB),
		fmt.Sprintf("CAPGATE_LIMIT_FILE_SIZE_MB=%d", l.MaxFileSizeMB),
	}
}
