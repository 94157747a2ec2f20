package sandbox

import (
	"runtime"
	"time"
)

// memSampleInterval is how often the watchdog samples heap usage while a
// handler runs.
const memSampleInterval = 100 * time.Millisecond

// watchMemory enforces the allocation ceiling for one handler call. The
// interpreter offers no native memory limit, so the watchdog samples the Go
// heap and fires onBreach when live heap grows past limit beyond the
// baseline captured at call start. Best-effort: concurrent sessions share
// the heap, so a breach attributes to whichever call is running when the
// ceiling is crossed.
//
// The returned stop function must be called when the handler finishes.
func watchMemory(limit uint64, onBreach func()) (stop func()) {
	baseline := heapInUse()
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(memSampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if heapInUse() > baseline+limit {
					onBreach()
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}
