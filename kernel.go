package dcnsim

// kernel.go holds the event-driven simulation kernel: the virtual clock,
// the pending-event priority queue, and the run loop.  Every other part
// of the simulator makes progress only by scheduling events here.
//
// Two events with the same target time execute in the order they were
// scheduled; the monotonically assigned sequence number is the tiebreaker.
// This is the rule all run-to-run reproducibility rests on.

import (
	"container/heap"
)

// EventHandlerFunction is the signature of every deferred piece of work.
// The context argument identifies the object the event concerns, and the
// data argument carries the message or parameters for it.  A handler that
// returns a non-nil error aborts the run; any other return is discarded.
type EventHandlerFunction func(evtMgr *EventManager, context any, data any) any

// simEvent is one entry in the pending-event queue
type simEvent struct {
	at      SimTime
	seq     int64
	context any
	data    any
	hdlr    EventHandlerFunction
}

// eventHeap orders pending events by (time, sequence)
type eventHeap []*simEvent

func (eh eventHeap) Len() int { return len(eh) }

func (eh eventHeap) Less(i, j int) bool {
	if eh[i].at != eh[j].at {
		return eh[i].at < eh[j].at
	}
	return eh[i].seq < eh[j].seq
}

func (eh eventHeap) Swap(i, j int) { eh[i], eh[j] = eh[j], eh[i] }

func (eh *eventHeap) Push(x any) {
	*eh = append(*eh, x.(*simEvent))
}

func (eh *eventHeap) Pop() any {
	old := *eh
	n := len(old)
	evt := old[n-1]
	old[n-1] = nil
	*eh = old[:n-1]
	return evt
}

// EventManager owns the virtual clock and the queue of pending events
type EventManager struct {
	now    SimTime
	nxtSeq int64
	evts   eventHeap
}

// CreateEventManager is a constructor
func CreateEventManager() *EventManager {
	evtMgr := new(EventManager)
	evtMgr.evts = make(eventHeap, 0)
	return evtMgr
}

// Now returns the current virtual time
func (evtMgr *EventManager) Now() SimTime {
	return evtMgr.now
}

// Pending returns the number of events waiting to execute
func (evtMgr *EventManager) Pending() int {
	return len(evtMgr.evts)
}

// Schedule inserts an event at absolute virtual time at.  Scheduling in
// the past is a programming error and is reported, never reordered.
func (evtMgr *EventManager) Schedule(context any, data any, hdlr EventHandlerFunction, at SimTime) error {
	if at < evtMgr.now {
		return &InvariantViolation{
			Msg: "event scheduled in the past: at " + at.str() + ", now " + evtMgr.now.str()}
	}
	evt := &simEvent{at: at, seq: evtMgr.nxtSeq, context: context, data: data, hdlr: hdlr}
	evtMgr.nxtSeq += 1
	heap.Push(&evtMgr.evts, evt)
	return nil
}

// ScheduleIn inserts an event delay time units after the present.
// Negative delays are invariant violations, same as Schedule
func (evtMgr *EventManager) ScheduleIn(context any, data any, hdlr EventHandlerFunction, delay SimTime) error {
	return evtMgr.Schedule(context, data, hdlr, evtMgr.now+delay)
}

// execute runs one event, advancing the clock to its target time.
// An error returned by the handler aborts the run
func (evtMgr *EventManager) execute(evt *simEvent) error {
	evtMgr.now = evt.at
	rtn := evt.hdlr(evtMgr, evt.context, evt.data)
	if err, isErr := rtn.(error); isErr && err != nil {
		return err
	}
	return nil
}

// RunUntil pops and executes events in (time, sequence) order until the
// next event lies beyond limit or the queue is empty.  On return the
// clock reads limit, unless the queue drained while the clock already
// read later than limit, in which case it keeps that reading
func (evtMgr *EventManager) RunUntil(limit SimTime) error {
	for len(evtMgr.evts) > 0 {
		if evtMgr.evts[0].at > limit {
			evtMgr.now = limit
			return nil
		}
		evt := heap.Pop(&evtMgr.evts).(*simEvent)
		if err := evtMgr.execute(evt); err != nil {
			return err
		}
	}
	evtMgr.now = maxTime(evtMgr.now, limit)
	return nil
}

// RunUntilIdle pops and executes events until none remain
func (evtMgr *EventManager) RunUntilIdle() error {
	for len(evtMgr.evts) > 0 {
		evt := heap.Pop(&evtMgr.evts).(*simEvent)
		if err := evtMgr.execute(evt); err != nil {
			return err
		}
	}
	return nil
}
