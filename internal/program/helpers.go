package program

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/flumeproject/flume/internal/protocol"
)

// CommandSender is the narrow slice of the session manager a program
// drives. Programs never touch the worker or the session table directly.
type CommandSender interface {
	SendCommand(ctx context.Context, sessionKey, line string) error
}

// StatusFunc receives human-readable workflow status lines.
type StatusFunc func(message string)

// ProgressFunc receives completion percentage and a short description.
type ProgressFunc func(percent float64, description string)

// taskLabels render progress task-type tags for status text.
var taskLabels = map[string]string{
	protocol.TaskSimulation:  "Simulation",
	protocol.TaskCalibration: "Calibration",
	protocol.TaskLoading:     "Loading",
	protocol.TaskProcessing:  "Processing",
	protocol.TaskBuilding:    "Building",
}

// Redundant prefixes the engine stacks onto error text as it rethrows
// through layers. Stripped repeatedly until the text is stable.
var redundantErrorPrefixes = []string{
	"Command execution error: ",
	"Configuration failed: ",
	"Simulation error: ",
}

type structuredError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
	ErrorText string `json:"error_text"`
}

// extractErrorMessage pulls the most specific error text out of a
// message: the msg field, then a structured error inside the result
// payload, then a task-type label, then "Unknown error".
func extractErrorMessage(msg protocol.Message) string {
	if text := strings.TrimSpace(msg.ErrorText); text != "" {
		return text
	}

	if len(msg.Result) > 0 {
		var structured structuredError
		if err := json.Unmarshal(msg.Result, &structured); err == nil {
			if text := strings.TrimSpace(structured.Error.Message); text != "" {
				return text
			}
			if text := strings.TrimSpace(structured.ErrorText); text != "" {
				return text
			}
		}
		var plain string
		if err := json.Unmarshal(msg.Result, &plain); err == nil {
			if text := strings.TrimSpace(plain); text != "" {
				return text
			}
		}
	}

	if label, ok := taskLabels[msg.TaskType]; ok {
		return label + " error"
	}
	return "Unknown error"
}

// cleanupErrorMessage strips redundant rethrow prefixes until the text
// stops changing.
func cleanupErrorMessage(text string) string {
	text = strings.TrimSpace(text)
	for {
		before := text
		for _, prefix := range redundantErrorPrefixes {
			text = strings.TrimPrefix(text, prefix)
		}
		if text == before {
			return text
		}
	}
}

// handleProgressUpdate forwards a progress message to the callback. It is
// a no-op unless both counters are present and the total is positive,
// guarding against partial messages and divide-by-zero.
func handleProgressUpdate(msg protocol.Message, activity string, progress ProgressFunc) {
	if progress == nil {
		return
	}
	if msg.Current == nil || msg.Total == nil || *msg.Total <= 0 {
		return
	}
	if activity == "" {
		if label, ok := taskLabels[msg.TaskType]; ok {
			activity = label
		} else {
			activity = "Working"
		}
	}
	progress(msg.ProgressPercent(), activity)
}
