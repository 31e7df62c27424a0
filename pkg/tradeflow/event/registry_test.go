package event_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/randalmurphal/tradeflow/pkg/tradeflow/event"
	tferrors "github.com/randalmurphal/tradeflow/pkg/tradeflow/errors"
)

func noopHandler() event.Handler {
	return event.HandlerFunc(func(ctx context.Context, evt event.Event) ([]event.Event, error) {
		return nil, nil
	})
}

const signalSchema = `{
	"type": "object",
	"required": ["symbol", "weight"],
	"properties": {
		"symbol": {"type": "string", "minLength": 1},
		"weight": {"type": "number", "minimum": 0, "maximum": 1}
	},
	"additionalProperties": false
}`

func TestRegistryBuilder_Build(t *testing.T) {
	reg, err := event.NewRegistryBuilder().
		Contract(event.Contract{Type: event.TypeWorkflowStarted, Version: 1}).
		Contract(event.Contract{Type: event.TypeSignalGenerated, Version: 2, Compatible: []int{1}, PayloadSchema: signalSchema}).
		Contract(event.Contract{Type: event.TypeWorkflowFailed, Version: 1}).
		SubscribeHandler(event.TypeWorkflowStarted, "strategy.signals", noopHandler()).
		SubscribeHandler(event.TypeSignalGenerated, "portfolio.rebalancer", noopHandler(),
			event.WithTimeout(5*time.Second), event.WithRetry(tferrors.DefaultRetry)).
		SubscribeHandler(event.TypeSignalGenerated, "audit.recorder", noopHandler()).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	c, ok := reg.Lookup(event.TypeWorkflowStarted)
	if !ok || c.Role != event.RoleInitiating {
		t.Errorf("WorkflowStarted contract = %+v, %v", c, ok)
	}
	if c, _ := reg.Lookup(event.TypeWorkflowFailed); c.Role != event.RoleFailureReport {
		t.Errorf("WorkflowFailed role = %s", c.Role)
	}

	bindings := reg.Bindings(event.TypeSignalGenerated)
	if len(bindings) != 2 {
		t.Fatalf("expected 2 bindings, got %d", len(bindings))
	}
	if bindings[0].Name != "portfolio.rebalancer" || bindings[0].Timeout != 5*time.Second {
		t.Errorf("first binding = %+v", bindings[0])
	}
	if bindings[0].Retry.MaxAttempts != tferrors.DefaultRetry.MaxAttempts {
		t.Error("binding retry option not applied")
	}
	if bindings[1].Retry.MaxAttempts != 1 {
		t.Error("bindings default to no in-process retry")
	}

	if !reg.Routable(event.TypeSignalGenerated) {
		t.Error("SignalGenerated should be routable")
	}
	if reg.Routable(event.TypeTradeExecuted) {
		t.Error("TradeExecuted has no contract")
	}
	if reg.Routable(event.TypeWorkflowFailed) {
		t.Error("failure reports have no handlers")
	}

	types := reg.Types()
	want := []event.Type{event.TypeWorkflowStarted, event.TypeSignalGenerated, event.TypeWorkflowFailed}
	if len(types) != len(want) {
		t.Fatalf("Types() = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("Types()[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestRegistryBuilder_Errors(t *testing.T) {
	tests := []struct {
		name    string
		build   func() *event.RegistryBuilder
		wantErr string
	}{
		{
			name: "unknown type",
			build: func() *event.RegistryBuilder {
				return event.NewRegistryBuilder().Contract(event.Contract{Type: "OrderPlaced", Version: 1})
			},
			wantErr: "unrecognized event type",
		},
		{
			name: "zero version",
			build: func() *event.RegistryBuilder {
				return event.NewRegistryBuilder().Contract(event.Contract{Type: event.TypeSignalGenerated})
			},
			wantErr: "version must be positive",
		},
		{
			name: "duplicate contract",
			build: func() *event.RegistryBuilder {
				return event.NewRegistryBuilder().
					Contract(event.Contract{Type: event.TypeSignalGenerated, Version: 1}).
					Contract(event.Contract{Type: event.TypeSignalGenerated, Version: 2})
			},
			wantErr: "declared twice",
		},
		{
			name: "subscription without contract",
			build: func() *event.RegistryBuilder {
				return event.NewRegistryBuilder().SubscribeHandler(event.TypeTradeExecuted, "notify", noopHandler())
			},
			wantErr: "no contract",
		},
		{
			name: "handler on failure report",
			build: func() *event.RegistryBuilder {
				return event.NewRegistryBuilder().
					Contract(event.Contract{Type: event.TypeWorkflowFailed, Version: 1}).
					SubscribeHandler(event.TypeWorkflowFailed, "alerts", noopHandler())
			},
			wantErr: "never dispatched",
		},
		{
			name: "duplicate handler name",
			build: func() *event.RegistryBuilder {
				return event.NewRegistryBuilder().
					Contract(event.Contract{Type: event.TypeTradeExecuted, Version: 1}).
					SubscribeHandler(event.TypeTradeExecuted, "notify", noopHandler()).
					SubscribeHandler(event.TypeTradeExecuted, "notify", noopHandler())
			},
			wantErr: "bound twice",
		},
		{
			name: "name with separator",
			build: func() *event.RegistryBuilder {
				return event.NewRegistryBuilder().
					Contract(event.Contract{Type: event.TypeTradeExecuted, Version: 1}).
					SubscribeHandler(event.TypeTradeExecuted, "notify:v2", noopHandler())
			},
			wantErr: "must not contain",
		},
		{
			name: "factory error",
			build: func() *event.RegistryBuilder {
				return event.NewRegistryBuilder().
					Contract(event.Contract{Type: event.TypeTradeExecuted, Version: 1}).
					Subscribe(event.TypeTradeExecuted, "notify", func() (event.Handler, error) {
						return nil, errors.New("missing smtp host")
					})
			},
			wantErr: "missing smtp host",
		},
		{
			name: "bad payload schema",
			build: func() *event.RegistryBuilder {
				return event.NewRegistryBuilder().
					Contract(event.Contract{Type: event.TypeTradeExecuted, Version: 1, PayloadSchema: `{"type": 12}`})
			},
			wantErr: "compile payload schema",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build().Build()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestRegistry_Validate(t *testing.T) {
	reg, err := event.NewRegistryBuilder().
		Contract(event.Contract{Type: event.TypeSignalGenerated, Version: 2, Compatible: []int{1}, PayloadSchema: signalSchema}).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	mk := func(version int, payload string) *event.Canonical {
		return &event.Canonical{
			Meta:    event.Metadata{EventType: event.TypeSignalGenerated, SchemaVersion: version, EventID: "e"},
			Payload: json.RawMessage(payload),
		}
	}

	tests := []struct {
		name    string
		evt     event.Event
		wantErr bool
	}{
		{"current version", mk(2, `{"symbol":"SPY","weight":0.5}`), false},
		{"compatible version", mk(1, `{"symbol":"SPY","weight":0.5}`), false},
		{"incompatible version", mk(3, `{"symbol":"SPY","weight":0.5}`), true},
		{"missing field", mk(2, `{"symbol":"SPY"}`), true},
		{"extra field", mk(2, `{"symbol":"SPY","weight":0.5,"note":"x"}`), true},
		{"out of range", mk(2, `{"symbol":"SPY","weight":1.5}`), true},
		{"no contract", event.New(event.TypeTradeExecuted, "s", struct{}{}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Validate(tt.evt)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistry_MiddlewareWrapsBindings(t *testing.T) {
	calls := 0
	counting := func(next event.Handler) event.Handler {
		return event.HandlerFunc(func(ctx context.Context, evt event.Event) ([]event.Event, error) {
			calls++
			return next.Handle(ctx, evt)
		})
	}
	reg, err := event.NewRegistryBuilder().
		Use(counting).
		Contract(event.Contract{Type: event.TypeTradeExecuted, Version: 1}).
		SubscribeHandler(event.TypeTradeExecuted, "notify", noopHandler()).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	b := reg.Bindings(event.TypeTradeExecuted)[0]
	_, _ = b.Handler.Handle(context.Background(), event.New(event.TypeTradeExecuted, "s", struct{}{}))
	if calls != 1 {
		t.Errorf("middleware calls = %d, want 1", calls)
	}
}
