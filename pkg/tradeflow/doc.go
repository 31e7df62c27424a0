// Package tradeflow is the orchestration kernel of a multi-stage trading
// workflow: signal generation, rebalancing, execution and notification
// stages that talk only through events on an at-least-once bus.
//
// A Kernel has one entry point. Invoke classifies each raw invocation:
//
//   - a trigger (a direct {"mode":"trade"} call or a scheduled tick) opens a
//     workflow run and publishes its root WorkflowStarted event
//   - a domain event (recognized type from the alchemiser. namespace) is
//     routed to its registered handlers through the router's gates
//   - anything else fails with an errors.ClassificationError
//
// Basic usage:
//
//	reg, err := event.NewRegistryBuilder().
//		Contract(event.Contract{Type: event.TypeWorkflowStarted, Version: 1}).
//		Contract(event.Contract{Type: event.TypeSignalGenerated, Version: 1}).
//		SubscribeHandler(event.TypeWorkflowStarted, "strategy", strategy).
//		Build()
//
//	stores, err := tradeflow.OpenStores(ctx, settings)
//	defer stores.Close()
//
//	k, err := tradeflow.New(reg, stores, publisher, tradeflow.WithSettings(settings))
//	resp, err := k.Invoke(ctx, body)
//
// A transport feeds every body it receives to Deliver and every body it
// stops redelivering to GiveUp:
//
//	b.Subscribe(nil, k.Deliver)
//
// # Errors
//
// Invoke always returns a Response. The error follows the transport
// contract: a retryable error (see errors.IsRetryable) asks for redelivery
// of the same body; a permanent one means the body should go to DeadLetter.
// Gate skips are successful invocations with status "skipped".
package tradeflow
