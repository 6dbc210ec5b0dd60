package contextkey

// key is a private type to avoid context key collisions across packages.
type key string

const (
	TraceID      key = "trace_id"
	RequestID    key = "request_id"
	JobID        key = "job_id"
	RobotVersion key = "robot_version"
)

// LogFields lists the keys the logger copies from a context, in output order.
var LogFields = []key{TraceID, RequestID, JobID, RobotVersion}

func (k key) String() string {
	return string(k)
}
