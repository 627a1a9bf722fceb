package cosched

// flightCall is one in-progress keyed call shared by every task that
// asks for the same key while it runs.
type flightCall struct {
	wg   WaitGroup
	val  any
	err  error
	dups int
}

// singleFlight deduplicates concurrent calls per key across the tasks
// of one scheduler.
type singleFlight struct {
	calls map[string]*flightCall
}

func newSingleFlight() *singleFlight {
	return &singleFlight{calls: make(map[string]*flightCall)}
}

// do runs fn for key unless a call is already in flight, in which case
// task waits for that call's result. shared reports whether the result
// went to more than one caller.
func (g *singleFlight) do(task *Task, key string, fn func() (any, error)) (v any, err error, shared bool) {
	if c, ok := g.calls[key]; ok {
		c.dups++
		c.wg.Wait(task)
		return c.val, c.err, true
	}

	c := new(flightCall)
	c.wg.Add(1)
	g.calls[key] = c

	func() {
		defer func() {
			delete(g.calls, key)
			c.wg.Done()
		}()
		c.val, c.err = fn()
	}()

	return c.val, c.err, c.dups > 0
}
