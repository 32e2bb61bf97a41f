// Package prof records runtime/pprof profiles around a run of the host
// stack.
//
// A Session streams a CPU profile while it is open and writes snapshot
// profiles (heap, goroutine, block, mutex) when it is stopped:
//
//	s, err := prof.Start(prof.Options{CPU: "cpu.prof", Heap: "heap.prof"})
//	if err != nil { ... }
//	defer s.Stop()
//
// Only one CPU profile can be active per process; a second Start asking
// for one returns ErrCPUProfileActive.
package prof
