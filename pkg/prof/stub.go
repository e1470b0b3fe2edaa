//go:build !profile

package prof

// Session is a running set of profiles. Without the profile build tag it
// records nothing.
type Session struct{}

// Start returns an idle session, or [ErrDisabled] if opts asks for
// anything.
func Start(opts Options) (*Session, error) {
	if opts.Enabled() {
		return nil, ErrDisabled
	}
	return &Session{}, nil
}

// Addr always returns "".
func (*Session) Addr() string { return "" }

// Stop does nothing.
func (*Session) Stop() error { return nil }
