package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, propagated through the call chain via context.
const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldJobID is the worker export job ID
	FieldJobID = "job_id"

	// FieldRunID is the bulk run ID
	FieldRunID = "run_id"

	// FieldSite is the export target site
	FieldSite = "site"

	// FieldQueuedID is the export queue entry ID
	FieldQueuedID = "queued_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"
)

// Metric fields, used for aggregation and alerting.
const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the operation status
	FieldStatus = "status"

	// FieldExitCode is a worker process exit code
	FieldExitCode = "exit_code"
)
