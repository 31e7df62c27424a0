package envelope

// JSON Schemas for the inbound shapes. Unknown fields are rejected by
// additionalProperties; the normalizer names them separately so the error
// lists every offending field at once.

const busWrappedSchema = `{
	"type": "object",
	"required": ["detail-type", "source", "detail"],
	"properties": {
		"version": {"type": "string"},
		"id": {"type": "string"},
		"detail-type": {"type": "string", "minLength": 1},
		"source": {"type": "string", "minLength": 1},
		"account": {"type": "string"},
		"time": {"type": "string"},
		"region": {"type": "string"},
		"resources": {"type": "array", "items": {"type": "string"}},
		"detail": {"type": "object"}
	},
	"additionalProperties": false
}`

const scheduledDetailSchema = `{
	"type": "object",
	"properties": {
		"mode": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

const triggerSchema = `{
	"type": "object",
	"required": ["mode"],
	"properties": {
		"mode": {"type": "string", "minLength": 1},
		"correlation_id": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

// eventBodySchema covers the canonical body carried in a bus envelope's
// detail. type and source are optional there because the envelope carries them.
const eventBodySchema = `{
	"type": "object",
	"required": ["event_id", "correlation_id", "causation_id", "timestamp"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"schema_version": {"type": "integer", "minimum": 1},
		"event_id": {"type": "string", "minLength": 1},
		"correlation_id": {"type": "string", "minLength": 1},
		"causation_id": {"type": "string", "minLength": 1},
		"timestamp": {"type": "string", "minLength": 1},
		"source": {"type": "string", "minLength": 1},
		"payload": {}
	},
	"additionalProperties": false
}`

// directEventSchema is the flat canonical event delivered without a wrapper.
const directEventSchema = `{
	"type": "object",
	"required": ["type", "source", "event_id", "correlation_id", "causation_id", "timestamp"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"schema_version": {"type": "integer", "minimum": 1},
		"event_id": {"type": "string", "minLength": 1},
		"correlation_id": {"type": "string", "minLength": 1},
		"causation_id": {"type": "string", "minLength": 1},
		"timestamp": {"type": "string", "minLength": 1},
		"source": {"type": "string", "minLength": 1},
		"payload": {}
	},
	"additionalProperties": false
}`

var (
	busWrappedFields      = []string{"version", "id", "detail-type", "source", "account", "time", "region", "resources", "detail"}
	busWrappedRequired    = []string{"detail-type", "source", "detail"}
	scheduledDetailFields = []string{"mode"}
	triggerFields         = []string{"mode", "correlation_id"}
	triggerRequired       = []string{"mode"}
	eventBodyFields       = []string{"type", "schema_version", "event_id", "correlation_id", "causation_id", "timestamp", "source", "payload"}
	eventBodyRequired     = []string{"event_id", "correlation_id", "causation_id", "timestamp"}
	directEventRequired   = []string{"type", "source", "event_id", "correlation_id", "causation_id", "timestamp"}
)
