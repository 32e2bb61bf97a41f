package prof

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"
)

// Profiling errors.
var (
	ErrCPUProfileActive = errors.New("cpu profile already active")
	ErrInvalidProfile   = errors.New("invalid profile")
)

// Profile names a pprof profile.
type Profile string

const (
	ProfileCPU       Profile = "cpu"
	ProfileHeap      Profile = "heap"
	ProfileAllocs    Profile = "allocs"
	ProfileGoroutine Profile = "goroutine"
	ProfileBlock     Profile = "block"
	ProfileMutex     Profile = "mutex"
)

func (p Profile) String() string {
	return string(p)
}

// Options selects the files a Session writes. Empty paths are skipped.
type Options struct {
	CPU       string
	Heap      string
	Goroutine string
	Block     string // also enables block profiling for the session
	Mutex     string // also enables mutex profiling for the session
}

// Enabled reports whether any profile is requested.
func (o Options) Enabled() bool {
	return o != Options{}
}

// Session is an open profiling run.
type Session struct {
	opts Options

	mu      sync.Mutex
	cpu     *os.File
	stopped bool
}

var cpuMu sync.Mutex

// Start opens a session. The CPU profile, if requested, starts immediately.
func Start(opts Options) (*Session, error) {
	s := &Session{opts: opts}
	if opts.CPU != "" {
		if err := s.startCPU(opts.CPU); err != nil {
			return nil, err
		}
	}
	if opts.Block != "" {
		runtime.SetBlockProfileRate(1)
	}
	if opts.Mutex != "" {
		runtime.SetMutexProfileFraction(1)
	}
	return s, nil
}

func (s *Session) startCPU(path string) error {
	if !cpuMu.TryLock() {
		return ErrCPUProfileActive
	}
	f, err := os.Create(path)
	if err != nil {
		cpuMu.Unlock()
		return err
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		cpuMu.Unlock()
		return fmt.Errorf("%w: %w", ErrCPUProfileActive, err)
	}
	s.cpu = f
	return nil
}

// Stop ends the CPU profile and writes the requested snapshots. Calls after
// the first do nothing.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true

	var errs []error
	if s.cpu != nil {
		pprof.StopCPUProfile()
		errs = append(errs, s.cpu.Close())
		s.cpu = nil
		cpuMu.Unlock()
	}

	if s.opts.Heap != "" {
		runtime.GC()
	}
	for _, snap := range []struct {
		profile Profile
		path    string
	}{
		{ProfileHeap, s.opts.Heap},
		{ProfileGoroutine, s.opts.Goroutine},
		{ProfileBlock, s.opts.Block},
		{ProfileMutex, s.opts.Mutex},
	} {
		if snap.path != "" {
			errs = append(errs, Write(snap.profile, snap.path))
		}
	}
	if s.opts.Block != "" {
		runtime.SetBlockProfileRate(0)
	}
	if s.opts.Mutex != "" {
		runtime.SetMutexProfileFraction(0)
	}
	return errors.Join(errs...)
}

// Write saves a snapshot profile to path.
func Write(profile Profile, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	return WriteTo(profile, f)
}

// WriteTo writes a snapshot profile to w in pprof's protobuf format.
// ProfileCPU is not a snapshot and returns ErrInvalidProfile.
func WriteTo(profile Profile, w io.Writer) error {
	if profile == ProfileCPU {
		return fmt.Errorf("%w: %s is not a snapshot profile", ErrInvalidProfile, profile)
	}
	p := pprof.Lookup(string(profile))
	if p == nil {
		return fmt.Errorf("%w: %s", ErrInvalidProfile, profile)
	}
	return p.WriteTo(w, 0)
}
