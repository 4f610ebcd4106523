package database

// Request is a unit of work for the Worker.
//
// A request that is not FireAndForget must carry a Callback. Once executed it is
// placed on the worker's response queue with Result and Err filled in, and
// Notice (if any) is called before the worker moves on to the next request.
// The Callback itself only runs when the owner of the response queue drains it.
type Request struct {
	Statement     Statement
	FireAndForget bool
	Callback      func(res *Result, err error) bool
	Notice        func()

	Result *Result
	Err    error
}

// Complete runs the callback with the outcome of the execution.
func (r *Request) Complete() bool {
	if r.Callback == nil {
		return true
	}
	return r.Callback(r.Result, r.Err)
}
