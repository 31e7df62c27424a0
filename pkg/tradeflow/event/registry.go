package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	tferrors "github.com/randalmurphal/tradeflow/pkg/tradeflow/errors"
)

// Contract declares one event type the kernel routes.
type Contract struct {
	// Type is the event type.
	Type Type

	// Version is the current schema version.
	Version int

	// Compatible lists older versions consumers of Version can still read.
	Compatible []int

	// Role decides which lifecycle gates apply. Zero value falls back to
	// DefaultRole(Type) when the registry is built.
	Role Role

	// Description explains the event's purpose.
	Description string

	// PayloadSchema is an optional JSON Schema the payload must satisfy.
	PayloadSchema string

	// Deprecated marks the contract as deprecated; events still route.
	Deprecated bool

	compiled *jsonschema.Schema
}

// IsCompatibleWith reports whether events at version can be read.
func (c *Contract) IsCompatibleWith(version int) bool {
	return version == c.Version || slices.Contains(c.Compatible, version)
}

// ValidatePayload checks raw payload JSON against the contract's schema.
func (c *Contract) ValidatePayload(payload []byte) error {
	if c.compiled == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := c.compiled.Validate(v); err != nil {
		return fmt.Errorf("payload violates %s v%d contract: %w", c.Type, c.Version, err)
	}
	return nil
}

// Validate checks evt against the contract.
func (c *Contract) Validate(evt Event) error {
	if evt.Type() != c.Type {
		return fmt.Errorf("event type mismatch: expected %s, got %s", c.Type, evt.Type())
	}
	if !c.IsCompatibleWith(evt.Version()) {
		return fmt.Errorf("incompatible version: contract %d, event %d", c.Version, evt.Version())
	}
	return c.ValidatePayload(evt.DataBytes())
}

// HandlerFactory builds a handler instance when the registry is built.
type HandlerFactory func() (Handler, error)

// Binding is a handler bound to an event type. Name is the stable handler
// identity used for idempotency keys, so it must not change across deploys.
type Binding struct {
	Name    string
	Handler Handler
	Retry   tferrors.RetryConfig
	Timeout time.Duration
}

// BindingOption configures a handler binding.
type BindingOption func(*Binding)

// WithRetry enables bounded in-process retry for transient handler errors.
func WithRetry(cfg tferrors.RetryConfig) BindingOption {
	return func(b *Binding) { b.Retry = cfg }
}

// WithTimeout bounds a single handler attempt.
func WithTimeout(d time.Duration) BindingOption {
	return func(b *Binding) { b.Timeout = d }
}

type subscription struct {
	eventType Type
	name      string
	factory   HandlerFactory
	opts      []BindingOption
}

// RegistryBuilder collects contracts and subscriptions. It is not safe for
// concurrent use; call Build once wiring is complete.
type RegistryBuilder struct {
	contracts  []Contract
	subs       []subscription
	middleware []MiddlewareFunc
}

// NewRegistryBuilder creates an empty builder.
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{}
}

// Contract declares an event type.
func (b *RegistryBuilder) Contract(c Contract) *RegistryBuilder {
	b.contracts = append(b.contracts, c)
	return b
}

// Subscribe binds a named handler factory to an event type.
func (b *RegistryBuilder) Subscribe(t Type, name string, factory HandlerFactory, opts ...BindingOption) *RegistryBuilder {
	b.subs = append(b.subs, subscription{eventType: t, name: name, factory: factory, opts: opts})
	return b
}

// SubscribeHandler binds an already built handler.
func (b *RegistryBuilder) SubscribeHandler(t Type, name string, h Handler, opts ...BindingOption) *RegistryBuilder {
	return b.Subscribe(t, name, func() (Handler, error) { return h, nil }, opts...)
}

// Use wraps every bound handler with middleware, first outermost.
func (b *RegistryBuilder) Use(mw ...MiddlewareFunc) *RegistryBuilder {
	b.middleware = append(b.middleware, mw...)
	return b
}

// Build validates the wiring and returns an immutable Registry.
func (b *RegistryBuilder) Build() (*Registry, error) {
	r := &Registry{
		contracts: make(map[Type]*Contract, len(b.contracts)),
		bindings:  make(map[Type][]Binding),
	}

	for i := range b.contracts {
		c := b.contracts[i]
		if !c.Type.Valid() {
			return nil, fmt.Errorf("contract: %w", errUnknownType(c.Type))
		}
		if c.Version <= 0 {
			return nil, fmt.Errorf("contract %s: version must be positive", c.Type)
		}
		if _, dup := r.contracts[c.Type]; dup {
			return nil, fmt.Errorf("contract %s: declared twice", c.Type)
		}
		if c.Role == RoleIntermediate {
			c.Role = DefaultRole(c.Type)
		}
		if c.PayloadSchema != "" {
			compiled, err := compileSchema(string(c.Type), c.PayloadSchema)
			if err != nil {
				return nil, fmt.Errorf("contract %s: %w", c.Type, err)
			}
			c.compiled = compiled
		}
		c.Compatible = slices.Clone(c.Compatible)
		r.contracts[c.Type] = &c
	}

	for _, s := range b.subs {
		contract, ok := r.contracts[s.eventType]
		if !ok {
			return nil, fmt.Errorf("subscription %q: no contract for %s", s.name, s.eventType)
		}
		if contract.Role == RoleFailureReport {
			return nil, fmt.Errorf("subscription %q: %s is a failure report and is never dispatched", s.name, s.eventType)
		}
		if s.name == "" {
			return nil, fmt.Errorf("subscription for %s: handler name is required", s.eventType)
		}
		if strings.ContainsAny(s.name, ": ") {
			return nil, fmt.Errorf("subscription %q: name must not contain ':' or spaces", s.name)
		}
		for _, existing := range r.bindings[s.eventType] {
			if existing.Name == s.name {
				return nil, fmt.Errorf("subscription %q: bound twice to %s", s.name, s.eventType)
			}
		}
		if s.factory == nil {
			return nil, fmt.Errorf("subscription %q: factory is nil", s.name)
		}

		h, err := s.factory()
		if err != nil {
			return nil, fmt.Errorf("subscription %q: build handler: %w", s.name, err)
		}
		binding := Binding{
			Name:    s.name,
			Handler: ChainMiddleware(h, b.middleware...),
			Retry:   tferrors.NoRetry,
		}
		for _, opt := range s.opts {
			opt(&binding)
		}
		r.bindings[s.eventType] = append(r.bindings[s.eventType], binding)
	}

	return r, nil
}

// Registry maps event types to contracts and handler bindings.
// It is immutable after Build and safe for concurrent reads.
type Registry struct {
	contracts map[Type]*Contract
	bindings  map[Type][]Binding
}

// Lookup returns the contract for t.
func (r *Registry) Lookup(t Type) (*Contract, bool) {
	c, ok := r.contracts[t]
	return c, ok
}

// Bindings returns the handlers bound to t, in subscription order.
func (r *Registry) Bindings(t Type) []Binding {
	return slices.Clone(r.bindings[t])
}

// Routable reports whether t has a contract and at least one handler.
func (r *Registry) Routable(t Type) bool {
	_, ok := r.contracts[t]
	return ok && len(r.bindings[t]) > 0
}

// Validate checks evt against its contract.
func (r *Registry) Validate(evt Event) error {
	c, ok := r.contracts[evt.Type()]
	if !ok {
		return fmt.Errorf("no contract for event type %s", evt.Type())
	}
	return c.Validate(evt)
}

// Types returns every declared type in workflow order.
func (r *Registry) Types() []Type {
	var types []Type
	for _, t := range KnownTypes() {
		if _, ok := r.contracts[t]; ok {
			types = append(types, t)
		}
	}
	return types
}

func errUnknownType(t Type) error {
	_, err := ParseType(string(t))
	return err
}

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	url := "tradeflow://contracts/" + name + ".json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add payload schema: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}
	return compiled, nil
}
