package rpc

// Status is the outcome of a method call, returned to the caller in the reply.
type Status uint8

const (
	Success Status = iota
	FailInvalidParams
	FailInternal
	FailNotFound
	FailBusy
)

func (s Status) String() string {
	switch s {
	case Success:
		return "SUCCESS"
	case FailInvalidParams:
		return "FAIL_INVALID_PARAMS"
	case FailInternal:
		return "FAIL_INTERNAL"
	case FailNotFound:
		return "FAIL_NOT_FOUND"
	case FailBusy:
		return "FAIL_BUSY"
	default:
		return "UNKNOWN"
	}
}

// Result of dispatching a message into the tree.
type Result uint8

const (
	Unhandled Result = iota
	Handled
)
