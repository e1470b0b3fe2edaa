package prof

import "errors"

// Options selects the profiles a session records. Empty paths are skipped.
type Options struct {
	CPU   string `yaml:"cpu"`
	Heap  string `yaml:"heap"`
	Block string `yaml:"block"`
	Mutex string `yaml:"mutex"`

	// HTTP is a listen address for net/http/pprof, such as
	// "localhost:6060".
	HTTP string `yaml:"http"`
}

// Enabled reports whether any profile or the HTTP endpoint is requested.
func (o Options) Enabled() bool {
	return o.CPU != "" || o.Heap != "" || o.Block != "" || o.Mutex != "" || o.HTTP != ""
}

var (
	// ErrActive is returned by Start while another session is running.
	ErrActive = errors.New("profile session already active")

	// ErrDisabled is returned by Start when profiles are requested from a
	// binary built without the profile tag.
	ErrDisabled = errors.New("profiling not compiled in (build with -tags profile)")
)
