// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent spans across the daemon.
const (
	// Session attributes
	SessionKindKey  = "session.kind"
	ConnectionIDKey = "session.connection_id"

	// Fleet attributes
	ClientIDKey   = "fleet.client_id"
	OperatorIDKey = "fleet.operator_id"
	LayoutIDKey   = "fleet.layout_id"
	ScheduleIDKey = "fleet.schedule_id"

	// Message attributes
	MessageTypeKey = "message.type"
	CommandKey     = "message.command"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// MessageAttributes creates common envelope span attributes.
func MessageAttributes(msgType, connectionID, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(MessageTypeKey, msgType),
		attribute.String(ConnectionIDKey, connectionID),
		attribute.String(SessionKindKey, kind),
	}
}

// CommandAttributes creates command dispatch span attributes.
func CommandAttributes(command, clientID, operatorID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(CommandKey, command),
		attribute.String(ClientIDKey, clientID),
		attribute.String(OperatorIDKey, operatorID),
	}
}

// LayoutAttributes creates layout push span attributes.
func LayoutAttributes(layoutID, clientID, trigger string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(LayoutIDKey, layoutID),
		attribute.String(ClientIDKey, clientID),
		attribute.String("layout.trigger", trigger),
	}
}

// ErrorAttributes creates error span attributes.
func ErrorAttributes(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, err.Error()),
	}
}
