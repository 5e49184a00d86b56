// Package dcnsim is a discrete-event simulator for datacenter transport
// and collective-communication experiments.  A workload describes a
// topology, hosts, and per-rank programs of compute, collective, and
// point-to-point steps; the simulator produces a packet-level event
// stream for replay plus per-flow and per-collective completion-time
// statistics.
package dcnsim

// log.go configures the structured logger used for run summaries, drops,
// and fatal conditions.  Per-packet tracing goes to the viz event stream,
// not here.

import (
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
)

// Logger emits structured JSON records on the standard error, which
// keeps run output (stats, viz stream) separable from diagnostics
var Logger = log.Logger{
	Handler: json.New(os.Stderr),
	Level:   log.InfoLevel,
}

// SetLogLevel adjusts the logger's verbosity by name ("debug", "info",
// "warn", "error"); unknown names leave the level unchanged
func SetLogLevel(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return
	}
	Logger.Level = lvl
}
