package dcnsim

// scheduler.go holds structs and methods that support scheduling of
// compute tasks on a host's limited cores.  A workload compute step
// requests service for a duration; when all cores are busy the task
// waits in FCFS order.  With the default single core, the steps of
// co-located ranks serialize against each other while network transfers
// proceed untouched.

// Task describes the service requirement of one compute step
type Task struct {
	Op           string
	req          SimTime
	context      any
	msg          any
	completeFunc EventHandlerFunction
}

// createTask is a constructor
func createTask(op string, req SimTime, context any, msg any, complete EventHandlerFunction) *Task {
	return &Task{Op: op, req: req, context: context, msg: msg, completeFunc: complete}
}

// TaskScheduler allocates core time to tasks first-come first-served
type TaskScheduler struct {
	cores     int
	inservice int
	waiting   []*Task
}

// CreateTaskScheduler is a constructor
func CreateTaskScheduler(cores int) *TaskScheduler {
	ts := new(TaskScheduler)
	ts.cores = cores
	ts.waiting = make([]*Task, 0)
	return ts
}

// Schedule puts a piece of work either into service or in queue to be
// served.  The return is true when the task entered service immediately
func (ts *TaskScheduler) Schedule(evtMgr *EventManager, op string, req SimTime,
	context any, msg any, complete EventHandlerFunction) bool {

	task := createTask(op, req, context, msg, complete)
	if ts.inservice >= ts.cores {
		ts.waiting = append(ts.waiting, task)
		return false
	}
	ts.serve(evtMgr, task)
	return true
}

// serve allocates a core to the task and schedules its completion
func (ts *TaskScheduler) serve(evtMgr *EventManager, task *Task) {
	ts.inservice += 1
	evtMgr.ScheduleIn(ts, task, taskDone, task.req)
}

// taskDone releases the task's core, starts the next waiting task if
// any, and hands control to the task's completion handler
func taskDone(evtMgr *EventManager, context any, data any) any {
	ts := context.(*TaskScheduler)
	task := data.(*Task)

	ts.inservice -= 1
	if len(ts.waiting) > 0 {
		var nxt *Task
		nxt, ts.waiting = ts.waiting[0], ts.waiting[1:]
		ts.serve(evtMgr, nxt)
	}
	return task.completeFunc(evtMgr, task.context, task.msg)
}

// Busy reports the number of cores currently in service
func (ts *TaskScheduler) Busy() int {
	return ts.inservice
}

// Waiting reports the number of queued tasks
func (ts *TaskScheduler) Waiting() int {
	return len(ts.waiting)
}
