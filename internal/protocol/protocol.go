package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageKind identifies an inbound message from the engine.
type MessageKind string

const (
	// KindReady indicates the engine is idle and accepting commands.
	KindReady MessageKind = "rdy"
	// KindBusy indicates the engine has begun executing a command.
	KindBusy MessageKind = "bsy"
	// KindProgress carries incremental progress counters for a running command.
	KindProgress MessageKind = "prg"
	// KindResult carries the outcome payload of a completed command.
	KindResult MessageKind = "res"
	// KindStopped indicates a command was interrupted before completion.
	KindStopped MessageKind = "stp"
	// KindError carries an engine-reported error.
	KindError MessageKind = "err"
	// KindLog carries free-form diagnostic text from the engine.
	KindLog MessageKind = "log"
)

// Known reports whether the kind is one the protocol defines.
func (k MessageKind) Known() bool {
	switch k {
	case KindReady, KindBusy, KindProgress, KindResult, KindStopped, KindError, KindLog:
		return true
	default:
		return false
	}
}

// CommandKind identifies an outbound message to the engine.
type CommandKind string

const (
	// CommandKindCommand runs a named engine command with parameters.
	CommandKindCommand CommandKind = "cmd"
	// CommandKindStop interrupts the currently executing command.
	CommandKindStop CommandKind = "stp"
	// CommandKindQuery requests information without changing engine state.
	CommandKindQuery CommandKind = "query"
	// CommandKindTerminate asks the engine process to exit.
	CommandKindTerminate CommandKind = "term"
)

// Engine return codes reported on ready messages.
const (
	ReturnSuccess     = 0
	ReturnError       = 1
	ReturnInterrupted = 2
)

// Task type tags carried on progress messages.
const (
	TaskSimulation  = "sim"
	TaskCalibration = "cal"
	TaskLoading     = "load"
	TaskProcessing  = "proc"
	TaskBuilding    = "build"
)

// ReturnCodeDescription renders a return code as human-readable text.
func ReturnCodeDescription(code int) string {
	switch code {
	case ReturnSuccess:
		return "Success"
	case ReturnError:
		return "Error"
	case ReturnInterrupted:
		return "Interrupted"
	default:
		return fmt.Sprintf("Unknown (%d)", code)
	}
}

// Message is one decoded inbound line. Fields are populated per kind and
// left zero otherwise; unknown wire fields are ignored for forward
// compatibility with newer engine builds.
type Message struct {
	Kind      MessageKind `json:"m"`
	WorkerUID string      `json:"uid,omitempty"`

	// Ready fields.
	ReturnCode *int `json:"rc,omitempty"`

	// Busy fields.
	Command       string `json:"cmd,omitempty"`
	Interruptible *bool  `json:"int,omitempty"`

	// Progress fields.
	Current      *int            `json:"i,omitempty"`
	Total        *int            `json:"n,omitempty"`
	TaskType     string          `json:"t,omitempty"`
	ProgressData json.RawMessage `json:"d,omitempty"`

	// Result fields.
	Success    *bool           `json:"ok,omitempty"`
	ExecMillis *float64        `json:"exec_ms,omitempty"`
	Result     json.RawMessage `json:"r,omitempty"`

	// Error fields.
	ErrorText string `json:"msg,omitempty"`
}

// ProgressPercent computes completion percentage from the progress counters.
// Returns 0 when either counter is absent or the total is not positive.
func (m Message) ProgressPercent() float64 {
	if m.Current == nil || m.Total == nil || *m.Total <= 0 {
		return 0
	}
	return float64(*m.Current) / float64(*m.Total) * 100.0
}

// ProgressComplete reports whether the progress counters indicate completion.
func (m Message) ProgressComplete() bool {
	return m.Current != nil && m.Total != nil && *m.Current == *m.Total
}

// LooksLikeMessage is a cheap pre-filter for protocol traffic. Most
// subprocess chatter is not protocol lines, so callers can skip the full
// JSON parse for anything without the kind tag.
func LooksLikeMessage(line string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return false
	}
	return strings.Contains(trimmed, `"m":`)
}

// Decode parses one line into a Message. The second return value is false
// for anything that is not protocol traffic: empty lines, non-JSON text,
// or JSON without the kind tag. Decode never fails with an error; streams
// routinely interleave diagnostics with protocol lines.
func Decode(line string) (Message, bool) {
	if !LooksLikeMessage(line) {
		return Message{}, false
	}

	var msg Message
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &msg); err != nil {
		return Message{}, false
	}
	if msg.Kind == "" {
		return Message{}, false
	}
	return msg, true
}

// Command is one outbound message before encoding.
type Command struct {
	Kind   CommandKind    `json:"m"`
	Name   string         `json:"c,omitempty"`
	Params map[string]any `json:"p,omitempty"`
	Query  string         `json:"q,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

const defaultStopReason = "User requested cancellation"

// NewCommand builds a named command with parameters.
func NewCommand(name string, params map[string]any) Command {
	if params == nil {
		params = map[string]any{}
	}
	return Command{Kind: CommandKindCommand, Name: name, Params: params}
}

// NewStop builds a stop request. An empty reason gets a default.
func NewStop(reason string) Command {
	if strings.TrimSpace(reason) == "" {
		reason = defaultStopReason
	}
	return Command{Kind: CommandKindStop, Reason: reason}
}

// NewQuery builds an informational query.
func NewQuery(queryType string) Command {
	return Command{Kind: CommandKindQuery, Query: queryType}
}

// NewTerminate builds a session termination request.
func NewTerminate() Command {
	return Command{Kind: CommandKindTerminate}
}

// commandWire keeps the parameter object on the wire even when empty,
// matching what the engine expects for cmd messages.
type commandWire struct {
	Kind   CommandKind    `json:"m"`
	Name   string         `json:"c"`
	Params map[string]any `json:"p"`
}

// Encode renders a Command as exactly one compact JSON line, without the
// trailing newline. Encoding is total: parameter values that have no JSON
// representation are stringified rather than failing the whole command.
func Encode(c Command) string {
	var payload any
	if c.Kind == CommandKindCommand {
		params := sanitizeParams(c.Params)
		if params == nil {
			params = map[string]any{}
		}
		payload = commandWire{Kind: c.Kind, Name: c.Name, Params: params}
	} else {
		c.Params = nil
		payload = c
	}

	data, err := json.Marshal(payload)
	if err != nil {
		// Unreachable after sanitizeParams, but a command must still go out.
		data, _ = json.Marshal(commandWire{Kind: c.Kind, Name: c.Name, Params: map[string]any{}})
	}
	return string(data)
}

// DecodeCommand parses one outbound line back into a Command. Used for
// diagnostics and tests; the engine itself never sends these.
func DecodeCommand(line string) (Command, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") || !strings.Contains(trimmed, `"m":`) {
		return Command{}, false
	}
	var c Command
	if err := json.Unmarshal([]byte(trimmed), &c); err != nil {
		return Command{}, false
	}
	if c.Kind == "" {
		return Command{}, false
	}
	return c, true
}

func sanitizeParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for key, value := range params {
		switch v := value.(type) {
		case nil, string, bool,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64, json.RawMessage:
			out[key] = v
		default:
			if _, err := json.Marshal(v); err == nil {
				out[key] = v
			} else {
				out[key] = fmt.Sprint(v)
			}
		}
	}
	return out
}
