package domain

// Job states
const (
	JobStatePending    = "PENDING"
	JobStateClaimed    = "CLAIMED"
	JobStateProcessing = "PROCESSING"
	JobStateDone       = "DONE"
	JobStateFailed     = "FAILED"
)

// CurrentSchemaVersion is written on every saved record. Records without
// the field predate versioning and are read as version 1.
const CurrentSchemaVersion = 2

// Key prefixes inside the job and data containers.
const (
	JobsPrefix    = "jobs/"
	OutputsPrefix = "outputs/"
	InputsPrefix  = "input/"
	LeasesPrefix  = "leases/"
)

// Content types
const (
	ContentTypeJSON = "application/json"
	ContentTypePNG  = "image/png"
)
