package event

import "fmt"

// Type identifies an event contract. The set is closed: every value the
// kernel accepts is declared below and ParseType rejects anything else.
type Type string

const (
	// TypeWorkflowStarted opens a workflow run. Produced by the kernel when a
	// trigger arrives.
	TypeWorkflowStarted Type = "WorkflowStarted"

	// TypeSignalGenerated carries strategy signals.
	TypeSignalGenerated Type = "SignalGenerated"

	// TypeRebalancePlanned carries the portfolio rebalance plan.
	TypeRebalancePlanned Type = "RebalancePlanned"

	// TypeTradeExecuted carries order execution results.
	TypeTradeExecuted Type = "TradeExecuted"

	// TypeTradingNotificationRequested asks the notification stage to report a run.
	TypeTradingNotificationRequested Type = "TradingNotificationRequested"

	// TypeWorkflowCompleted closes a successful run.
	TypeWorkflowCompleted Type = "WorkflowCompleted"

	// TypeWorkflowFailed reports a failed run. Reflexive: never dispatched.
	TypeWorkflowFailed Type = "WorkflowFailed"

	// TypeErrorNotificationRequested asks for an error report. Reflexive.
	TypeErrorNotificationRequested Type = "ErrorNotificationRequested"
)

// KnownTypes returns every recognized event type in workflow order.
func KnownTypes() []Type {
	return []Type{
		TypeWorkflowStarted,
		TypeSignalGenerated,
		TypeRebalancePlanned,
		TypeTradeExecuted,
		TypeTradingNotificationRequested,
		TypeWorkflowCompleted,
		TypeWorkflowFailed,
		TypeErrorNotificationRequested,
	}
}

// ParseType validates s against the closed set of event types.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeWorkflowStarted,
		TypeSignalGenerated,
		TypeRebalancePlanned,
		TypeTradeExecuted,
		TypeTradingNotificationRequested,
		TypeWorkflowCompleted,
		TypeWorkflowFailed,
		TypeErrorNotificationRequested:
		return t, nil
	default:
		return "", fmt.Errorf("unrecognized event type %q", s)
	}
}

// Valid reports whether t is a recognized event type.
func (t Type) Valid() bool {
	_, err := ParseType(string(t))
	return err == nil
}

// String returns the type name.
func (t Type) String() string { return string(t) }

// Role describes what routing an event type triggers in the workflow
// lifecycle.
type Role int

const (
	// RoleIntermediate events are dispatched only while the workflow is RUNNING.
	RoleIntermediate Role = iota

	// RoleInitiating events open a workflow; the terminal-state gate is skipped.
	RoleInitiating

	// RoleTerminal events complete the workflow once their handlers succeed.
	RoleTerminal

	// RoleFailureReport events are absorbed by the circuit breaker.
	RoleFailureReport
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleIntermediate:
		return "intermediate"
	case RoleInitiating:
		return "initiating"
	case RoleTerminal:
		return "terminal"
	case RoleFailureReport:
		return "failure_report"
	default:
		return "unknown"
	}
}

// DefaultRole returns the lifecycle role of a recognized type.
func DefaultRole(t Type) Role {
	switch t {
	case TypeWorkflowStarted:
		return RoleInitiating
	case TypeWorkflowCompleted:
		return RoleTerminal
	case TypeWorkflowFailed, TypeErrorNotificationRequested:
		return RoleFailureReport
	case TypeSignalGenerated, TypeRebalancePlanned, TypeTradeExecuted, TypeTradingNotificationRequested:
		return RoleIntermediate
	default:
		return RoleIntermediate
	}
}
