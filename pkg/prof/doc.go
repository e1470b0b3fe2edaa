// Package prof captures runtime/pprof profiles around a run of the
// simulator CLI.
//
// Profiling is compiled in only with the "profile" build tag:
//
//	go build -tags profile ./cmd/ehcisim
//
// Without the tag [Start] returns a session whose Stop does nothing, so
// callers never need their own build tags.
//
//	s, err := prof.Start(prof.Options{CPU: "cpu.prof", Heap: "heap.prof"})
//	if err != nil {
//		return err
//	}
//	defer s.Stop()
//
// A CPU profile streams for the whole session. Heap, block and mutex
// profiles are snapshots written by Stop; block and mutex sampling is
// enabled at Start when their paths are set. Options.HTTP additionally
// serves net/http/pprof on the given address for the session's lifetime.
package prof
