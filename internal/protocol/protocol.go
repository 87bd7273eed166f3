// SPDX-License-Identifier: MIT

// Package protocol defines the JSON envelopes exchanged over the websocket
// channel. All wire fields are PascalCase; every envelope carries a Type
// discriminator as its first field.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope type discriminators.
const (
	TypeRegister             = "Register"
	TypeRegistrationResponse = "RegistrationResponse"
	TypeHeartbeat            = "Heartbeat"
	TypeDisplayUpdate        = "DisplayUpdate"
	TypeCommand              = "Command"
	TypeScreenshot           = "Screenshot"
	TypeAppHeartbeat         = "AppHeartbeat"
	TypeRequestClientList    = "RequestClientList"
	TypeClientListUpdate     = "ClientListUpdate"
	TypeRequestLayoutList    = "RequestLayoutList"
	TypeLayoutListResponse   = "LayoutListResponse"
	TypeSendCommand          = "SendCommand"
	TypeAssignLayout         = "AssignLayout"
	TypeRequestScreenshot    = "RequestScreenshot"
	TypeScreenshotResult     = "ScreenshotResult"
	TypeCommandResult        = "CommandResult"
	TypeError                = "Error"
)

// Registration outcome statuses.
const (
	RegistrationAccepted = "Accepted"
	RegistrationRejected = "Rejected"
	RegistrationPending  = "Pending"
	RegistrationError    = "Error"
)

// CommandName is a remote command dispatched to a client.
type CommandName string

const (
	CommandRestart    CommandName = "Restart"
	CommandRestartApp CommandName = "RestartApp"
	CommandScreenOn   CommandName = "ScreenOn"
	CommandScreenOff  CommandName = "ScreenOff"
	CommandSetVolume  CommandName = "SetVolume"
	CommandScreenshot CommandName = "Screenshot"
	CommandClearCache CommandName = "ClearCache"
)

// ValidCommand reports whether name is a known remote command.
func ValidCommand(name CommandName) bool {
	switch name {
	case CommandRestart, CommandRestartApp, CommandScreenOn, CommandScreenOff,
		CommandSetVolume, CommandScreenshot, CommandClearCache:
		return true
	}
	return false
}

// Error codes surfaced on the wire.
const (
	CodeUnknownMessage  = "unknown_message"
	CodeBadEnvelope     = "bad_envelope"
	CodeUnauthenticated = "unauthenticated"
	CodeForbidden       = "forbidden"
	CodeTokenInvalid    = "token_invalid"
	CodeTokenConsumed   = "token_consumed"
	CodeInternal        = "internal"
)

// Header is the minimal decodable prefix of every envelope.
type Header struct {
	Type string `json:"Type"`
}

// PeekType extracts the Type discriminator without decoding the payload.
func PeekType(data []byte) (string, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if h.Type == "" {
		return "", fmt.Errorf("decode envelope: missing Type")
	}
	return h.Type, nil
}

// Register is sent by a client as its first message.
type Register struct {
	Type              string          `json:"Type"`
	ClientID          string          `json:"ClientId,omitempty"`
	MacAddress        string          `json:"MacAddress"`
	IPAddress         string          `json:"IpAddress"`
	Hostname          string          `json:"Hostname,omitempty"`
	DeviceInfo        json.RawMessage `json:"DeviceInfo,omitempty"`
	RegistrationToken string          `json:"RegistrationToken,omitempty"`
}

// RegistrationResponse reports the registration outcome to the client.
type RegistrationResponse struct {
	Type             string `json:"Type"`
	Status           string `json:"Status"`
	Message          string `json:"Message,omitempty"`
	ClientID         string `json:"ClientId,omitempty"`
	AssignedLayoutID string `json:"AssignedLayoutId,omitempty"`
}

// Heartbeat is the periodic client liveness message.
type Heartbeat struct {
	Type       string          `json:"Type"`
	Status     string          `json:"Status,omitempty"`
	DeviceInfo json.RawMessage `json:"DeviceInfo,omitempty"`
	Offline    bool            `json:"Offline,omitempty"`
}

// DisplayUpdate pushes the active layout to a client.
type DisplayUpdate struct {
	Type         string          `json:"Type"`
	LayoutID     string          `json:"LayoutId"`
	Elements     json.RawMessage `json:"Elements,omitempty"`
	DataBindings json.RawMessage `json:"DataBindings,omitempty"`
}

// Command forwards a remote command to a client.
type Command struct {
	Type       string            `json:"Type"`
	Command    CommandName       `json:"Command"`
	Parameters map[string]string `json:"Parameters,omitempty"`
}

// Screenshot is the asynchronous client reply to a Screenshot command.
type Screenshot struct {
	Type      string `json:"Type"`
	ClientID  string `json:"ClientId"`
	ImageData string `json:"ImageData"` // base64 PNG
	Format    string `json:"Format,omitempty"`
}

// AppHeartbeat authenticates and keeps alive an operator session. It must be
// the first message on an operator connection.
type AppHeartbeat struct {
	Type  string `json:"Type"`
	AppID string `json:"AppId"`
	Token string `json:"Token"`
}

// RequestClientList asks for the current fleet state.
type RequestClientList struct {
	Type   string `json:"Type"`
	Filter string `json:"Filter,omitempty"` // all, online, offline
}

// ClientInfo is the operator-facing view of a client.
type ClientInfo struct {
	ID               string          `json:"Id"`
	Name             string          `json:"Name,omitempty"`
	MacAddress       string          `json:"MacAddress,omitempty"`
	IPAddress        string          `json:"IpAddress,omitempty"`
	Hostname         string          `json:"Hostname,omitempty"`
	Group            string          `json:"Group,omitempty"`
	Location         string          `json:"Location,omitempty"`
	Status           string          `json:"Status"`
	LastSeenAt       string          `json:"LastSeenAt,omitempty"`
	AssignedLayoutID string          `json:"AssignedLayoutId,omitempty"`
	DeviceInfo       json.RawMessage `json:"DeviceInfo,omitempty"`
}

// ClientListUpdate carries the fleet state to operators.
type ClientListUpdate struct {
	Type    string       `json:"Type"`
	Clients []ClientInfo `json:"Clients"`
}

// RequestLayoutList asks for the available layouts.
type RequestLayoutList struct {
	Type string `json:"Type"`
}

// LayoutInfo is the operator-facing view of a layout.
type LayoutInfo struct {
	ID         string `json:"Id"`
	Name       string `json:"Name"`
	Resolution string `json:"Resolution,omitempty"`
	Category   string `json:"Category,omitempty"`
	Version    int    `json:"Version,omitempty"`
}

// LayoutListResponse carries the layout catalogue to operators.
type LayoutListResponse struct {
	Type    string       `json:"Type"`
	Layouts []LayoutInfo `json:"Layouts"`
}

// SendCommand is an operator request to dispatch a command to a client.
type SendCommand struct {
	Type           string            `json:"Type"`
	TargetDeviceID string            `json:"TargetDeviceId"`
	Command        CommandName       `json:"Command"`
	Parameters     map[string]string `json:"Parameters,omitempty"`
}

// AssignLayout is an operator request to pin a layout to a client.
type AssignLayout struct {
	Type     string `json:"Type"`
	DeviceID string `json:"DeviceId"`
	LayoutID string `json:"LayoutId"`
}

// RequestScreenshot asks for a fresh screenshot from a client.
type RequestScreenshot struct {
	Type     string `json:"Type"`
	DeviceID string `json:"DeviceId"`
}

// ScreenshotResult resolves a pending screenshot request.
type ScreenshotResult struct {
	Type      string `json:"Type"`
	RequestID string `json:"RequestId"`
	ImageData string `json:"ImageData,omitempty"`
	Error     string `json:"Error,omitempty"`
}

// CommandResult reports command delivery back to the operator.
type CommandResult struct {
	Type     string      `json:"Type"`
	DeviceID string      `json:"DeviceId"`
	Command  CommandName `json:"Command"`
	Success  bool        `json:"Success"`
	Message  string      `json:"Message,omitempty"`
}

// Error is the generic failure envelope.
type Error struct {
	Type    string `json:"Type"`
	Code    string `json:"Code"`
	Message string `json:"Message,omitempty"`
}

// NewError builds an Error envelope.
func NewError(code, message string) Error {
	return Error{Type: TypeError, Code: code, Message: message}
}

// Marshal serialises an envelope. The value must carry its Type field.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Unmarshal decodes data into the supplied envelope struct.
func Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
