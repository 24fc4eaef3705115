package config

// ChangeSet describes what changed between two configs. Only fields that
// can be applied without restarting the server are tracked; everything else
// requires a redeploy.
type ChangeSet struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VADChanged bool
	NewVAD     VADConfig

	LimitsChanged bool
	NewLimits     LimitsConfig
}

// Empty reports whether nothing hot-reloadable changed.
func (c ChangeSet) Empty() bool {
	return !c.LogLevelChanged && !c.VADChanged && !c.LimitsChanged
}

// Diff compares old and new configs and returns the hot-reloadable changes.
func Diff(old, new *Config) ChangeSet {
	d := ChangeSet{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.OpenAI.VAD != new.OpenAI.VAD {
		d.VADChanged = true
		d.NewVAD = new.OpenAI.VAD
	}
	if old.Limits != new.Limits {
		d.LimitsChanged = true
		d.NewLimits = new.Limits
	}

	return d
}
