package app

import (
	"github.com/helloml/voicebridge/internal/config"
)

// WatchConfig starts polling path for edits and applies safe changes to the
// running app. Invalid edits keep the last good config active.
func (a *App) WatchConfig(path string) error {
	w, err := config.NewWatcher(path, a.applyReload)
	if err != nil {
		return err
	}
	a.watcher = w
	return nil
}

// applyReload applies the hot-reloadable subset of a config change: log
// verbosity takes effect immediately, VAD and limit changes apply to calls
// that start after the reload. Everything else requires a restart.
func (a *App) applyReload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}

	if d.LogLevelChanged {
		a.level.Set(slogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.VADChanged || d.LimitsChanged {
		vad := new.OpenAI.VAD
		limits := new.Limits
		a.srv.UpdateTunables(vad, limits)
		a.log.Info("call tunables updated",
			"vad_changed", d.VADChanged, "limits_changed", d.LimitsChanged)
	}
}
