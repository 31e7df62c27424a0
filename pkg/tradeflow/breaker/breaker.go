// Package breaker guards the kernel against failure feedback loops.
//
// A failed handler makes the router publish a failure event. That event goes
// back to the same entry point as every other event, so if it were dispatched
// and its handling failed too, the kernel would publish another failure event,
// forever. The breaker recognizes the fixed set of failure-reporting types and
// the router absorbs them without dispatch.
package breaker

import "github.com/randalmurphal/tradeflow/pkg/tradeflow/event"

// IsReflexiveFailureEvent reports whether evt reports a failure and must
// therefore never be dispatched to handlers.
func IsReflexiveFailureEvent(evt event.Event) bool {
	if evt == nil {
		return false
	}
	return IsReflexiveType(evt.Type())
}

// IsReflexiveType reports whether t is a failure-reporting type.
func IsReflexiveType(t event.Type) bool {
	switch t {
	case event.TypeWorkflowFailed, event.TypeErrorNotificationRequested:
		return true
	case event.TypeWorkflowStarted,
		event.TypeSignalGenerated,
		event.TypeRebalancePlanned,
		event.TypeTradeExecuted,
		event.TypeTradingNotificationRequested,
		event.TypeWorkflowCompleted:
		return false
	default:
		return false
	}
}

// ReflexiveTypes returns the failure-reporting types.
func ReflexiveTypes() []event.Type {
	var types []event.Type
	for _, t := range event.KnownTypes() {
		if IsReflexiveType(t) {
			types = append(types, t)
		}
	}
	return types
}
