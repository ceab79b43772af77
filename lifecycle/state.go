package lifecycle

import (
	"fmt"

	"github.com/bobuhiro11/govisor/icc"
)

// State is the lifecycle state of the VM on an application core.
type State uint8

const (
	Idle State = iota
	Loading
	Running
	Paused
	Stopping
	Stopped
)

var stateNames = [...]string{
	Idle:     "IDLE",
	Loading:  "LOADING",
	Running:  "RUNNING",
	Paused:   "PAUSED",
	Stopping: "STOPPING",
	Stopped:  "STOPPED",
}

func (s State) String() string {
	if int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", uint8(s))
	}

	return stateNames[s]
}

// ProtocolError is a lifecycle message that the current state does not
// accept. It means the control core broke the one outstanding request
// rule and is fatal to the core.
type ProtocolError struct {
	Core  uint8
	State State
	Type  icc.Type
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("core %d: %s not accepted in state %s", e.Core, e.Type, e.State)
}
