package config

import "reflect"

// ConfigDiff describes what changed between two configs, grouped by what a
// running server has to do to apply it.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged means the session manager must be restarted with new
	// options: selectors, chunking, defaults or the platform check changed.
	SessionChanged bool

	// DocumentChanged means a different page file or reload interval.
	DocumentChanged bool

	// RestartRequired lists sections that only take effect after a process
	// restart (listener address, engine, store backend).
	RestartRequired []string
}

// Empty reports whether nothing hot-reloadable changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && !d.DocumentChanged
}

// Diff compares old and new.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !reflect.DeepEqual(old.Session, new.Session) || old.Document.UserAgent != new.Document.UserAgent {
		d.SessionChanged = true
	}
	if old.Document.Path != new.Document.Path || old.Document.ReloadInterval != new.Document.ReloadInterval {
		d.DocumentChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) ||
		old.Server.TraceSampleRatio != new.Server.TraceSampleRatio {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Speech, new.Speech) {
		d.RestartRequired = append(d.RestartRequired, "speech")
	}
	if !reflect.DeepEqual(old.Store, new.Store) {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	return d
}
