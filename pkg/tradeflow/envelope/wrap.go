package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/randalmurphal/tradeflow/pkg/tradeflow/event"
)

// BusEnvelope is the BUS_WRAPPED wire form.
type BusEnvelope struct {
	Version    string          `json:"version"`
	ID         string          `json:"id"`
	DetailType string          `json:"detail-type"`
	Source     string          `json:"source"`
	Time       string          `json:"time"`
	Resources  []string        `json:"resources"`
	Detail     json.RawMessage `json:"detail"`
}

// Wrap encodes evt as a BUS_WRAPPED envelope. Normalize(Wrap(evt)) yields
// an event with the same metadata and payload.
func Wrap(evt event.Event) ([]byte, error) {
	if evt.Source() == "" {
		return nil, fmt.Errorf("wrap %s %s: source is required", evt.Type(), evt.ID())
	}
	detail, err := event.Encode(evt)
	if err != nil {
		return nil, fmt.Errorf("wrap %s %s: %w", evt.Type(), evt.ID(), err)
	}
	return json.Marshal(BusEnvelope{
		Version:    "0",
		ID:         evt.ID(),
		DetailType: string(evt.Type()),
		Source:     evt.Source(),
		Time:       evt.Timestamp().UTC().Format(time.RFC3339),
		Resources:  []string{},
		Detail:     detail,
	})
}

// ScheduledTick builds the SCHEDULED envelope a scheduler would send.
// An empty mode sends an empty detail so the default mode applies.
func ScheduledTick(source, mode string, at time.Time) ([]byte, error) {
	detail := map[string]string{}
	if mode != "" {
		detail["mode"] = mode
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return nil, err
	}
	return json.Marshal(BusEnvelope{
		Version:    "0",
		ID:         fmt.Sprintf("tick-%d", at.UnixNano()),
		DetailType: "Scheduled Event",
		Source:     source,
		Time:       at.UTC().Format(time.RFC3339),
		Resources:  []string{},
		Detail:     raw,
	})
}
