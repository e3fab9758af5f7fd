package config

// ConfigDiff describes what changed between two configs. Only the log level
// is applied at runtime; every other change is reported so the operator
// knows a restart is needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the changed settings that only take effect on
	// the next start, e.g. "capture" or "server.listen_addr".
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Capture != new.Capture {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	if old.Queue != new.Queue {
		d.RestartRequired = append(d.RestartRequired, "queue")
	}
	if old.Output != new.Output {
		d.RestartRequired = append(d.RestartRequired, "output")
	}
	if !sameScope(old.Scope, new.Scope) {
		d.RestartRequired = append(d.RestartRequired, "scope")
	}
	return d
}

// sameScope compares by value; AutoRecord is a pointer only to tell "unset"
// from false.
func sameScope(a, b ScopeConfig) bool {
	if a.AutoRecording() != b.AutoRecording() {
		return false
	}
	a.AutoRecord, b.AutoRecord = nil, nil
	return a == b
}
