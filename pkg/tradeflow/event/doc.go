// Package event defines the canonical event model of a trading workflow run
// and the contract registry that decides where events go.
//
// # Events
//
// Every stage of a run (signals, rebalance, execution, notification)
// communicates through immutable events that carry:
//
//   - Identity: ID (stable across redelivery), Type, Source
//   - Causality: CorrelationID (the run), CausationID (the direct parent)
//   - Metadata: Timestamp, Version (payload schema)
//   - Payload: opaque to the kernel
//
// The root event of a run has CausationID == ID. Derived events are built
// with NewFromParent so the chain is never broken:
//
//	started := event.New(event.TypeWorkflowStarted, "alchemiser.orchestrator", payload)
//	// started.CorrelationID() == started.ID() == started.CausationID()
//
//	signals := event.NewFromParent(started, event.TypeSignalGenerated, "alchemiser.strategy", sig)
//	// signals.CorrelationID() == started.ID()
//	// signals.CausationID() == started.ID()
//
// # Types
//
// The set of event types is closed. ParseType rejects anything outside it and
// every switch over Type is exhaustive, so adding a type is a compile-visible
// change rather than a string typo found in production.
//
// # Registry
//
// A Registry is assembled once at startup with a RegistryBuilder and is
// immutable afterwards:
//
//	reg, err := event.NewRegistryBuilder().
//	    Contract(event.Contract{Type: event.TypeSignalGenerated, Version: 1}).
//	    Subscribe(event.TypeSignalGenerated, "portfolio.rebalancer", newRebalancer).
//	    Build()
//
// Handler names are durable identities: the idempotency store keys on them.
package event
