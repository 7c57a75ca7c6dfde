package service

// command is an inbound service command action. The set is closed;
// unknown actions are silently ignored.
type command string

const (
	cmdRestartService command = "restartService"
	cmdUpdateItem     command = "updateItem"
	cmdRemoveItem     command = "removeItem"
	cmdGetData        command = "getData"
)

// commandMessage carries any service command. Policy and range fields
// are decoded loosely: malformed values degrade to zero rather than
// rejecting the whole command.
type commandMessage struct {
	Action    command `json:"action"`
	ID        any     `json:"id"`
	Endpoint  string  `json:"endpoint"`
	Property  string  `json:"property"`
	Debounce  any     `json:"debounce"`
	Threshold any     `json:"threshold"`
	Start     any     `json:"start"`
	End       any     `json:"end"`
}

func asInt64(value any) int64 {
	if num, ok := value.(float64); ok {
		return int64(num)
	}

	return 0
}

func asFloat(value any) float64 {
	if num, ok := value.(float64); ok {
		return num
	}

	return 0
}
