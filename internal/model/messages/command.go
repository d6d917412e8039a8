package messages

import "strings"

const CommandDispense = "dispense"

// DispenseCommand is published to <prefix>/<feederId>/commands.
type DispenseCommand struct {
	Command     string   `json:"command"`
	PortionSize *float64 `json:"portionSize,omitempty"`
}

// NewDispense builds a dispense command; a non-positive portion is left out so
// the device falls back to its own default.
func NewDispense(portion float64) DispenseCommand {
	cmd := DispenseCommand{Command: CommandDispense}
	if portion > 0 {
		p := portion
		cmd.PortionSize = &p
	}
	return cmd
}

// CommandTopic is the per-feeder command topic.
func CommandTopic(prefix, feederID string) string {
	return strings.TrimRight(prefix, "/") + "/" + feederID + "/commands"
}

// TelemetryFilter is the wildcard subscription covering every feeder's telemetry.
func TelemetryFilter(prefix string) string {
	return strings.TrimRight(prefix, "/") + "/+/#"
}
