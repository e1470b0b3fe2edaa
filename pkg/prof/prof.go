//go:build profile

package prof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	rpprof "runtime/pprof"
	"sync"
	"time"
)

var (
	activeMu sync.Mutex
	active   bool
)

// Session is a running set of profiles.
type Session struct {
	opts   Options
	cpu    *os.File
	server *http.Server
	addr   string
	once   sync.Once
	err    error
}

// Start begins the profiles selected by opts.
func Start(opts Options) (*Session, error) {
	activeMu.Lock()
	defer activeMu.Unlock()
	if active {
		return nil, ErrActive
	}

	s := &Session{opts: opts}
	if opts.CPU != "" {
		f, err := os.Create(opts.CPU)
		if err != nil {
			return nil, err
		}
		if err := rpprof.StartCPUProfile(f); err != nil {
			f.Close()
			return nil, err
		}
		s.cpu = f
	}
	if opts.Block != "" {
		runtime.SetBlockProfileRate(1)
	}
	if opts.Mutex != "" {
		runtime.SetMutexProfileFraction(1)
	}
	if opts.HTTP != "" {
		if err := s.serve(opts.HTTP); err != nil {
			s.stopCPU()
			return nil, err
		}
	}
	active = true
	return s, nil
}

func (s *Session) serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	s.addr = ln.Addr().String()
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = s.server.Serve(ln) }()
	return nil
}

// Addr returns the address the pprof HTTP endpoint listens on, if any.
func (s *Session) Addr() string { return s.addr }

// Stop ends the CPU profile and writes the snapshot profiles. Calls after
// the first return the first result.
func (s *Session) Stop() error {
	s.once.Do(func() {
		errs := []error{s.stopCPU()}
		for _, p := range []struct{ name, path string }{
			{"heap", s.opts.Heap},
			{"block", s.opts.Block},
			{"mutex", s.opts.Mutex},
		} {
			if p.path != "" {
				errs = append(errs, snapshot(p.name, p.path))
			}
		}
		if s.opts.Block != "" {
			runtime.SetBlockProfileRate(0)
		}
		if s.opts.Mutex != "" {
			runtime.SetMutexProfileFraction(0)
		}
		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			errs = append(errs, s.server.Shutdown(ctx))
			cancel()
		}
		s.err = errors.Join(errs...)

		activeMu.Lock()
		active = false
		activeMu.Unlock()
	})
	return s.err
}

func (s *Session) stopCPU() error {
	if s.cpu == nil {
		return nil
	}
	rpprof.StopCPUProfile()
	err := s.cpu.Close()
	s.cpu = nil
	return err
}

func snapshot(name, path string) error {
	p := rpprof.Lookup(name)
	if p == nil {
		return fmt.Errorf("prof: no %s profile", name)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := p.WriteTo(f, 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
