package dcnsim

// errors.go holds the error kinds the simulator distinguishes.  Only
// ConfigError, InvariantViolation, and CollectiveError ever propagate out
// of a run; routing failures become drop events and transport-edge
// anomalies become counters.

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigError reports a malformed workload or an impossible topology.
// It is surfaced before any simulation runs
type ConfigError struct {
	Msg string
}

func (ce *ConfigError) Error() string {
	return "config error: " + ce.Msg
}

func configErrorf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// InvariantViolation reports corrupted simulator state, e.g. an event
// scheduled in the past or a negative queue count.  Fatal to the run
type InvariantViolation struct {
	Msg string
}

func (iv *InvariantViolation) Error() string {
	return "invariant violation: " + iv.Msg
}

func invariantf(format string, args ...any) error {
	return &InvariantViolation{Msg: fmt.Sprintf(format, args...)}
}

// CollectiveError reports a malformed collective program, e.g. a wait on
// a collective that was never started, or ranks that disagree about the
// participant set of a shared comm id.  Fatal to the run
type CollectiveError struct {
	Msg string
}

func (cle *CollectiveError) Error() string {
	return "collective error: " + cle.Msg
}

func collectivef(format string, args ...any) error {
	return &CollectiveError{Msg: fmt.Sprintf(format, args...)}
}

// drop reasons attached to drop events and tallied in the statistics
const (
	DropQueueFull = "queue_full"
	DropNoRoute   = "no_route"
	DropNoLink    = "no_link"
	DropTTL       = "ttl"
)

// ReportErrs gathers a list of accumulated errors into one, dropping nils
func ReportErrs(errs []error) error {
	msgs := []string{}
	for _, err := range errs {
		if err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return errors.New(strings.Join(msgs, "\n"))
}
