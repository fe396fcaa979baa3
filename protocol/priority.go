package protocol

// Queue priorities. Higher values send first.
const (
	PriorityCritical = 100
	PriorityHigh     = 50
	PriorityNormal   = 0
	PriorityLow      = -50
)

// PriorityFor returns the default queue priority for a message. This is the
// single priority table for the whole relay; the offline queue and the
// router both defer to it so the two call sites cannot drift.
//
// Permission responses and cancel/interrupt commands are CRITICAL: they gate
// an agent that is blocked or doing something the user wants stopped. Chat is
// HIGH, acks are LOW, everything else is NORMAL.
func PriorityFor(msg Message) int {
	switch msg.Type {
	case TypePermissionResponse:
		return PriorityCritical
	case TypeCommand:
		// Priority is assigned on the sending side before any payload
		// sealing, so the command action is readable here.
		if cmd, err := DecodeCommand(msg); err == nil {
			if cmd.Action == ActionCancel || cmd.Action == ActionInterrupt {
				return PriorityCritical
			}
		}
		return PriorityNormal
	case TypeChat:
		return PriorityHigh
	case TypeAck:
		return PriorityLow
	default:
		return PriorityNormal
	}
}
