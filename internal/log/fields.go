// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldClientID     = "client_id"
	FieldOperatorID   = "operator_id"
	FieldConnectionID = "connection_id"
	FieldRequestID    = "request_id"
	FieldSessionKind  = "session_kind"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Fleet fields
	FieldLayoutID   = "layout_id"
	FieldScheduleID = "schedule_id"
	FieldCommand    = "command"
	FieldStatus     = "status"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Network fields
	FieldRemoteAddr  = "remote_addr"
	FieldMessageType = "message_type"
)
