package health

import "github.com/avimaybee/TwinClaw-sub002/internal/connwatch"

// AdaptWatcher turns a connwatch.Watcher (used for the STT and
// Gateway external collaborators, which are the kind of multi-second
// to multi-minute outage connwatch was built for) into a Checker.
func AdaptWatcher(w *connwatch.Watcher) Checker {
	return func() ComponentStatus {
		s := w.Status()
		return ComponentStatus{
			Name:      s.Name,
			Ready:     s.Ready,
			LastCheck: s.LastCheck,
			LastError: s.LastError,
		}
	}
}
