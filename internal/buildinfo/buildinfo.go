// Package buildinfo stamps each process invocation with a short-lived run
// id, so log lines from concurrent uap-server or proxy instances can be
// told apart in aggregated output.
package buildinfo

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// NewRunID generates a fresh run id for one process invocation. It is not
// persisted or exchanged over the wire; it exists purely for log
// correlation.
func NewRunID() string {
	return uuid.NewString()
}

// RunIDHook stamps every log entry with a fixed run id, so logs from
// concurrent processes interleaved in one place (a shared journal, a test
// harness) can be told apart without threading the id through every call
// site.
type RunIDHook struct {
	RunID string
}

// NewRunIDHook wires a fresh run id into a RunIDHook ready for
// logrus.Logger.AddHook.
func NewRunIDHook() *RunIDHook {
	return &RunIDHook{RunID: NewRunID()}
}

func (h *RunIDHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *RunIDHook) Fire(entry *logrus.Entry) error {
	entry.Data["run_id"] = h.RunID
	return nil
}
