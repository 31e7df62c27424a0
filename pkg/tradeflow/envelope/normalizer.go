// Package envelope turns raw inbound invocations into canonical events or
// workflow triggers.
//
// Three envelope shapes arrive at the same entry point:
//   - DIRECT: a flat object, either a trigger {"mode": "trade"} or a flat
//     canonical event
//   - SCHEDULED: a scheduler tick wrapped like a bus event
//   - BUS_WRAPPED: {"detail-type", "source", "detail", ...metadata} where
//     detail holds the canonical event body
//
// Every shape is strict. An undeclared field anywhere is a
// ClassificationError naming the field; nothing is silently coerced.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	tferrors "github.com/randalmurphal/tradeflow/pkg/tradeflow/errors"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/event"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/observability"
)

// Kind is the detected envelope shape.
type Kind int

const (
	KindDirect Kind = iota
	KindScheduled
	KindBusWrapped
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "DIRECT"
	case KindScheduled:
		return "SCHEDULED"
	case KindBusWrapped:
		return "BUS_WRAPPED"
	default:
		return "UNKNOWN"
	}
}

// Route says where a normalized invocation goes next.
type Route int

const (
	// RouteDomain sends a canonical event to the router.
	RouteDomain Route = iota

	// RouteTrigger starts a new workflow run.
	RouteTrigger
)

// String returns the route name.
func (r Route) String() string {
	switch r {
	case RouteDomain:
		return "domain"
	case RouteTrigger:
		return "trigger"
	default:
		return "unknown"
	}
}

// Trigger asks the kernel to start a workflow run.
type Trigger struct {
	// Mode selects the run flavor, e.g. "trade".
	Mode string

	// CorrelationID pins the run id. Empty means the kernel assigns one.
	CorrelationID string

	// Source is the scheduler source, empty for direct triggers.
	Source string

	// DeliveryID is the scheduler's envelope id. A redelivered tick carries
	// the same one.
	DeliveryID string
}

// Result is a normalized invocation. Exactly one of Event and Trigger is set.
type Result struct {
	Kind    Kind
	Route   Route
	Event   *event.Canonical
	Trigger *Trigger
}

// Config configures classification.
type Config struct {
	// DomainSourcePrefix is the namespace every domain event source carries.
	DomainSourcePrefix string

	// SchedulerSources are bus sources that deliver scheduled ticks.
	SchedulerSources []string

	// ScheduleDetailTypes are the detail-type values of scheduled ticks.
	ScheduleDetailTypes []string

	// Modes lists accepted trigger modes.
	Modes []string

	// DefaultMode is used for scheduled ticks that carry no mode.
	DefaultMode string

	// Registry, when set, validates schema versions and payloads of events
	// whose type has a contract.
	Registry *event.Registry

	Logger *slog.Logger
}

// DefaultConfig returns the production classification settings.
func DefaultConfig() Config {
	return Config{
		DomainSourcePrefix:  "alchemiser.",
		SchedulerSources:    []string{"aws.events", "aws.scheduler"},
		ScheduleDetailTypes: []string{"Scheduled Event"},
		Modes:               []string{"trade"},
		DefaultMode:         "trade",
	}
}

type shape struct {
	name     string
	allowed  []string
	required []string
	schema   *jsonschema.Schema
}

// Normalizer classifies raw invocations. It is safe for concurrent use.
type Normalizer struct {
	cfg Config

	busWrapped      shape
	scheduledDetail shape
	trigger         shape
	eventBody       shape
	directEvent     shape
}

// NewNormalizer compiles the envelope schemas.
func NewNormalizer(cfg Config) (*Normalizer, error) {
	if cfg.DomainSourcePrefix == "" {
		return nil, fmt.Errorf("envelope: domain source prefix is required")
	}
	if len(cfg.Modes) == 0 {
		return nil, fmt.Errorf("envelope: at least one trigger mode is required")
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = cfg.Modes[0]
	}
	if !slices.Contains(cfg.Modes, cfg.DefaultMode) {
		return nil, fmt.Errorf("envelope: default mode %q is not an accepted mode", cfg.DefaultMode)
	}

	n := &Normalizer{cfg: cfg}
	specs := []struct {
		dst      *shape
		name     string
		schema   string
		allowed  []string
		required []string
	}{
		{&n.busWrapped, "bus-wrapped", busWrappedSchema, busWrappedFields, busWrappedRequired},
		{&n.scheduledDetail, "scheduled detail", scheduledDetailSchema, scheduledDetailFields, nil},
		{&n.trigger, "trigger", triggerSchema, triggerFields, triggerRequired},
		{&n.eventBody, "event body", eventBodySchema, eventBodyFields, eventBodyRequired},
		{&n.directEvent, "direct event", directEventSchema, eventBodyFields, directEventRequired},
	}
	for _, s := range specs {
		compiled, err := compile(s.name, s.schema)
		if err != nil {
			return nil, err
		}
		*s.dst = shape{name: s.name, allowed: s.allowed, required: s.required, schema: compiled}
	}
	return n, nil
}

// Normalize classifies raw and returns the canonical form.
// Every failure is a *errors.ClassificationError.
func (n *Normalizer) Normalize(raw []byte) (Result, error) {
	top, err := decodeObject(raw, "")
	if err != nil {
		return Result{}, err
	}

	var res Result
	switch {
	case has(top, "detail-type") || has(top, "detail"):
		res, err = n.normalizeBusWrapped(raw, top)
	case has(top, "type"):
		res, err = n.normalizeDirectEvent(raw, top)
	case has(top, "mode"):
		res, err = n.normalizeDirectTrigger(raw, top)
	default:
		err = &tferrors.ClassificationError{
			Reason: "unrecognized envelope shape",
			Fields: sortedKeys(top),
		}
	}
	if err != nil {
		return Result{}, err
	}

	eventType := ""
	if res.Event != nil {
		eventType = string(res.Event.Type())
	}
	observability.LogShapeDetected(n.cfg.Logger, res.Kind.String(), res.Route.String(), eventType)
	return res, nil
}

func (n *Normalizer) normalizeBusWrapped(raw []byte, top map[string]json.RawMessage) (Result, error) {
	if err := n.busWrapped.check("", raw, top); err != nil {
		return Result{}, err
	}

	var meta struct {
		ID         string          `json:"id"`
		DetailType string          `json:"detail-type"`
		Source     string          `json:"source"`
		Detail     json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Result{}, &tferrors.ClassificationError{Reason: "malformed bus envelope: " + err.Error()}
	}

	detail, err := decodeObject(meta.Detail, "detail")
	if err != nil {
		return Result{}, err
	}

	switch {
	case slices.Contains(n.cfg.SchedulerSources, meta.Source):
		if !slices.Contains(n.cfg.ScheduleDetailTypes, meta.DetailType) {
			return Result{}, &tferrors.ClassificationError{
				Reason: fmt.Sprintf("scheduler source %q sent unexpected detail-type %q", meta.Source, meta.DetailType),
				Fields: []string{"detail-type"},
			}
		}
		if err := n.scheduledDetail.check("detail", meta.Detail, detail); err != nil {
			return Result{}, err
		}
		var d struct {
			Mode string `json:"mode"`
		}
		_ = json.Unmarshal(meta.Detail, &d)
		mode := d.Mode
		if mode == "" {
			mode = n.cfg.DefaultMode
		}
		if err := n.checkMode(mode, "detail.mode"); err != nil {
			return Result{}, err
		}
		return Result{
			Kind:    KindScheduled,
			Route:   RouteTrigger,
			Trigger: &Trigger{Mode: mode, Source: meta.Source, DeliveryID: meta.ID},
		}, nil

	case strings.HasPrefix(meta.Source, n.cfg.DomainSourcePrefix):
		typ, err := event.ParseType(meta.DetailType)
		if err != nil {
			return Result{}, &tferrors.ClassificationError{Reason: err.Error(), Fields: []string{"detail-type"}}
		}
		if err := n.eventBody.check("detail", meta.Detail, detail); err != nil {
			return Result{}, err
		}
		evt, err := n.buildEvent(meta.Detail, "detail.", typ, meta.Source)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: KindBusWrapped, Route: RouteDomain, Event: evt}, nil

	default:
		return Result{}, &tferrors.ClassificationError{
			Reason: fmt.Sprintf("source %q is neither a scheduler nor in the %q namespace", meta.Source, n.cfg.DomainSourcePrefix),
			Fields: []string{"source"},
		}
	}
}

func (n *Normalizer) normalizeDirectEvent(raw []byte, top map[string]json.RawMessage) (Result, error) {
	if err := n.directEvent.check("", raw, top); err != nil {
		return Result{}, err
	}
	var head struct {
		Type   string `json:"type"`
		Source string `json:"source"`
	}
	_ = json.Unmarshal(raw, &head)

	typ, err := event.ParseType(head.Type)
	if err != nil {
		return Result{}, &tferrors.ClassificationError{Reason: err.Error(), Fields: []string{"type"}}
	}
	if !strings.HasPrefix(head.Source, n.cfg.DomainSourcePrefix) {
		return Result{}, &tferrors.ClassificationError{
			Reason: fmt.Sprintf("recognized type %s from source %q outside the %q namespace", typ, head.Source, n.cfg.DomainSourcePrefix),
			Fields: []string{"source"},
		}
	}
	evt, err := n.buildEvent(raw, "", typ, head.Source)
	if err != nil {
		return Result{}, err
	}
	return Result{Kind: KindDirect, Route: RouteDomain, Event: evt}, nil
}

func (n *Normalizer) normalizeDirectTrigger(raw []byte, top map[string]json.RawMessage) (Result, error) {
	if err := n.trigger.check("", raw, top); err != nil {
		return Result{}, err
	}
	var t struct {
		Mode          string `json:"mode"`
		CorrelationID string `json:"correlation_id"`
	}
	_ = json.Unmarshal(raw, &t)
	if err := n.checkMode(t.Mode, "mode"); err != nil {
		return Result{}, err
	}
	return Result{
		Kind:    KindDirect,
		Route:   RouteTrigger,
		Trigger: &Trigger{Mode: t.Mode, CorrelationID: t.CorrelationID},
	}, nil
}

type body struct {
	Type          string          `json:"type"`
	SchemaVersion *int            `json:"schema_version"`
	EventID       string          `json:"event_id"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id"`
	Timestamp     string          `json:"timestamp"`
	Source        string          `json:"source"`
	Payload       json.RawMessage `json:"payload"`
}

// buildEvent assembles a canonical event from an already shape-checked body.
func (n *Normalizer) buildEvent(raw []byte, prefix string, typ event.Type, envelopeSource string) (*event.Canonical, error) {
	var b body
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, &tferrors.ClassificationError{Reason: "malformed event body: " + err.Error()}
	}

	if b.Type != "" && b.Type != string(typ) {
		return nil, &tferrors.ClassificationError{
			Reason: fmt.Sprintf("body type %q contradicts envelope type %q", b.Type, typ),
			Fields: []string{prefix + "type"},
		}
	}

	ts, err := time.Parse(time.RFC3339Nano, b.Timestamp)
	if err != nil {
		return nil, &tferrors.ClassificationError{
			Reason: "timestamp is not RFC 3339",
			Fields: []string{prefix + "timestamp"},
		}
	}

	version := 1
	if b.SchemaVersion != nil {
		version = *b.SchemaVersion
	}
	source := b.Source
	if source == "" {
		source = envelopeSource
	}
	payload := b.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	evt := &event.Canonical{
		Meta: event.Metadata{
			EventType:     typ,
			SchemaVersion: version,
			EventID:       b.EventID,
			CorrelationID: b.CorrelationID,
			CausationID:   b.CausationID,
			Timestamp:     ts.UTC(),
			EventSource:   source,
		},
		Payload: payload,
	}

	if n.cfg.Registry != nil {
		if _, ok := n.cfg.Registry.Lookup(typ); ok {
			if err := n.cfg.Registry.Validate(evt); err != nil {
				return nil, &tferrors.ClassificationError{
					Reason: err.Error(),
					Fields: []string{prefix + "payload"},
				}
			}
		}
	}
	return evt, nil
}

func (n *Normalizer) checkMode(mode, field string) error {
	if slices.Contains(n.cfg.Modes, mode) {
		return nil
	}
	return &tferrors.ClassificationError{
		Reason: fmt.Sprintf("unknown trigger mode %q (accepted: %s)", mode, strings.Join(n.cfg.Modes, ", ")),
		Fields: []string{field},
	}
}

// check rejects undeclared and missing fields by name, then validates types
// against the compiled schema.
func (s shape) check(prefix string, raw []byte, fields map[string]json.RawMessage) error {
	var extra []string
	for k := range fields {
		if !slices.Contains(s.allowed, k) {
			extra = append(extra, join(prefix, k))
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return &tferrors.ClassificationError{
			Reason: s.name + " has undeclared fields",
			Fields: extra,
		}
	}

	var missing []string
	for _, k := range s.required {
		if !has(fields, k) {
			missing = append(missing, join(prefix, k))
		}
	}
	if len(missing) > 0 {
		return &tferrors.ClassificationError{
			Reason: s.name + " is missing required fields",
			Fields: missing,
		}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return &tferrors.ClassificationError{Reason: "malformed JSON: " + err.Error()}
	}
	if err := s.schema.Validate(v); err != nil {
		return &tferrors.ClassificationError{
			Reason: s.name + " fails schema validation",
			Fields: schemaFields(prefix, err),
		}
	}
	return nil
}

func compile(name, schema string) (*jsonschema.Schema, error) {
	url := "tradeflow://envelope/" + strings.ReplaceAll(name, " ", "-") + ".json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("envelope: add %s schema: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("envelope: compile %s schema: %w", name, err)
	}
	return compiled, nil
}

// decodeObject decodes raw as a JSON object, keeping field values raw.
func decodeObject(raw []byte, path string) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		reason := "envelope is not a JSON object"
		if path != "" {
			reason = path + " is not a JSON object"
		}
		var f []string
		if path != "" {
			f = []string{path}
		}
		return nil, &tferrors.ClassificationError{Reason: reason, Fields: f}
	}
	return fields, nil
}

// schemaFields collects the instance locations of the leaf validation errors.
func schemaFields(prefix string, err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return nil
	}
	seen := map[string]struct{}{}
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := strings.ReplaceAll(strings.Trim(e.InstanceLocation, "/"), "/", ".")
			if loc == "" {
				loc = prefix
			} else {
				loc = join(prefix, loc)
			}
			if loc != "" {
				seen[loc] = struct{}{}
			}
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func has(fields map[string]json.RawMessage, key string) bool {
	_, ok := fields[key]
	return ok
}

func sortedKeys(fields map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
