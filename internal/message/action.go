package message

import "fmt"

// Action names a supervisor request.
type Action string

const (
	ActionStart        Action = "start"
	ActionStop         Action = "stop"
	ActionStatus       Action = "status"
	ActionModuleStatus Action = "moduleStatus"
)

// Actions lists every action the supervisor routes.
var Actions = []Action{ActionStart, ActionStop, ActionStatus, ActionModuleStatus}

// ParseAction validates s as an Action.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionStart, ActionStop, ActionStatus, ActionModuleStatus:
		return a, nil
	default:
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidMessage, s)
	}
}

// NeedsTarget reports whether the action addresses a single identity.
func (a Action) NeedsTarget() bool {
	return a != ActionModuleStatus
}

// Result is the outcome carried in a Reply.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFail    Result = "fail"
)
