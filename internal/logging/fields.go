package logging

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Session
	FieldConnID    = "conn_id"
	FieldUsername  = "username"
	FieldRecipient = "recipient"
	FieldEvent     = "event"

	FieldService = "service"
	FieldStore   = "store"

	// Log type (for audit log)
	FieldLogType = "log_type"
	LogTypeAudit = "audit"
)
