package agent

// WithSysInfo replaces host detection in tests.
func WithSysInfo(f func(osType string) (ip, osName string)) Option {
	return func(a *Agent) { a.sysinfo = f }
}
