package domain

// Job status constants
const (
	JobStatusPending  = "PENDING"
	JobStatusRunning  = "RUNNING"
	JobStatusDeferred = "DEFERRED"
	JobStatusAborted  = "ABORTED"
)

// MaxBackout is the number of failed attempts after which a job is aborted
const MaxBackout = 3

// Job function verbs
const (
	VerbRoute    = "Route"
	VerbDispose  = "Dispose"
	VerbComplete = "Complete"
	VerbReply    = "Reply"
	VerbUnhold   = "Unhold"
)
