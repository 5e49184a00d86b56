package dcnsim

import (
	"errors"
	"testing"
)

func TestEventOrderByTimeThenSequence(t *testing.T) {
	evtMgr := CreateEventManager()

	got := []int{}
	mark := func(id int) EventHandlerFunction {
		return func(evtMgr *EventManager, context any, data any) any {
			got = append(got, id)
			return nil
		}
	}

	// out-of-order insertion by time, ties at t=10 inserted 1 then 2
	evtMgr.Schedule(nil, nil, mark(3), SimTime(20))
	evtMgr.Schedule(nil, nil, mark(1), SimTime(10))
	evtMgr.Schedule(nil, nil, mark(2), SimTime(10))
	evtMgr.Schedule(nil, nil, mark(0), SimTime(5))

	if err := evtMgr.RunUntilIdle(); err != nil {
		t.Fatalf("RunUntilIdle: %v", err)
	}
	want := []int{0, 1, 2, 3}
	for idx := range want {
		if got[idx] != want[idx] {
			t.Fatalf("execution order %v, want %v", got, want)
		}
	}
}

func TestTiedEventsInsertedDuringExecutionRunAfterEarlierTies(t *testing.T) {
	evtMgr := CreateEventManager()
	got := []string{}

	second := func(evtMgr *EventManager, context any, data any) any {
		got = append(got, "second")
		return nil
	}
	first := func(evtMgr *EventManager, context any, data any) any {
		got = append(got, "first")
		// a same-time event inserted while executing runs after all
		// currently tied events scheduled earlier
		evtMgr.Schedule(nil, nil, second, evtMgr.Now())
		return nil
	}
	tied := func(evtMgr *EventManager, context any, data any) any {
		got = append(got, "tied")
		return nil
	}

	evtMgr.Schedule(nil, nil, first, SimTime(10))
	evtMgr.Schedule(nil, nil, tied, SimTime(10))
	if err := evtMgr.RunUntilIdle(); err != nil {
		t.Fatalf("RunUntilIdle: %v", err)
	}

	want := []string{"first", "tied", "second"}
	for idx := range want {
		if got[idx] != want[idx] {
			t.Fatalf("execution order %v, want %v", got, want)
		}
	}
}

func TestScheduleInThePastReported(t *testing.T) {
	evtMgr := CreateEventManager()
	noop := func(evtMgr *EventManager, context any, data any) any { return nil }

	evtMgr.Schedule(nil, nil, noop, SimTime(100))
	if err := evtMgr.RunUntilIdle(); err != nil {
		t.Fatalf("RunUntilIdle: %v", err)
	}

	err := evtMgr.Schedule(nil, nil, noop, SimTime(50))
	if err == nil {
		t.Fatal("scheduling in the past did not report")
	}
	var iv *InvariantViolation
	if !errors.As(err, &iv) {
		t.Fatalf("error %v, want InvariantViolation", err)
	}
}

func TestRunUntilAdvancesClockToLimit(t *testing.T) {
	evtMgr := CreateEventManager()
	ran := false
	noop := func(evtMgr *EventManager, context any, data any) any {
		ran = true
		return nil
	}
	evtMgr.Schedule(nil, nil, noop, SimTime(5000))

	if err := evtMgr.RunUntil(SimTime(1000)); err != nil {
		t.Fatalf("RunUntil: %v", err)
	}
	if ran {
		t.Fatal("event beyond the limit executed")
	}
	if evtMgr.Now() != SimTime(1000) {
		t.Fatalf("now = %d, want 1000", evtMgr.Now())
	}
	if evtMgr.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", evtMgr.Pending())
	}

	if err := evtMgr.RunUntil(SimTime(10000)); err != nil {
		t.Fatalf("RunUntil: %v", err)
	}
	if !ran || evtMgr.Now() != SimTime(10000) {
		t.Fatalf("ran=%v now=%d, want true 10000", ran, evtMgr.Now())
	}
}

func TestHandlerErrorAbortsRun(t *testing.T) {
	evtMgr := CreateEventManager()
	boom := func(evtMgr *EventManager, context any, data any) any {
		return invariantf("boom")
	}
	after := false
	noop := func(evtMgr *EventManager, context any, data any) any {
		after = true
		return nil
	}
	evtMgr.Schedule(nil, nil, boom, SimTime(10))
	evtMgr.Schedule(nil, nil, noop, SimTime(20))

	if err := evtMgr.RunUntilIdle(); err == nil {
		t.Fatal("handler error did not surface")
	}
	if after {
		t.Fatal("events after the failure still executed")
	}
}

func TestNonDecreasingExecutionTimes(t *testing.T) {
	evtMgr := CreateEventManager()
	times := []SimTime{}
	var chain EventHandlerFunction
	count := 0
	chain = func(evtMgr *EventManager, context any, data any) any {
		times = append(times, evtMgr.Now())
		count += 1
		if count < 50 {
			evtMgr.ScheduleIn(nil, nil, chain, SimTime(count%7)*100)
		}
		return nil
	}
	evtMgr.Schedule(nil, nil, chain, TimeZero)
	if err := evtMgr.RunUntilIdle(); err != nil {
		t.Fatalf("RunUntilIdle: %v", err)
	}
	for idx := 1; idx < len(times); idx += 1 {
		if times[idx] < times[idx-1] {
			t.Fatalf("time went backwards: %d after %d", times[idx], times[idx-1])
		}
	}
}
