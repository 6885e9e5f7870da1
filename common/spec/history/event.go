// Package history defines the voice-command history record that the Alexa
// adapter publishes on its History.json state, and the canonical way to
// decode one.
//
// Every payload is validated against a JSON Schema before it is decoded into
// the typed Event, so a record that lacks the summary or creation time is
// rejected up front instead of surfacing later as an empty table row.
package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrMalformed wraps every error returned by Parse.
var ErrMalformed = errors.New("history: malformed event")

// Field names with special meaning in the display pipeline.
const (
	FieldSummary      = "summary"
	FieldCreationTime = "creationTime"
)

// eventSchema only constrains the fields Kotoba reads. Unknown properties are
// accepted and ignored so that adapter upgrades do not break ingestion.
const eventSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["summary", "creationTime"],
	"properties": {
		"summary":             {"type": "string"},
		"creationTime":        {"type": "integer", "minimum": 0},
		"name":                {"type": ["string", "null"]},
		"serialNumber":        {"type": ["string", "null"]},
		"status":              {"type": ["string", "null"]},
		"domainApplicationId": {"type": ["string", "null"]},
		"cardContent":         {"type": ["string", "null"]},
		"answerText":          {"type": ["string", "null"]}
	}
}`

var schema = jsonschema.MustCompileString("kotoba://history/event.json", eventSchema)

// Event is one entry of the adapter's command history.
//
// Optional string fields are pointers so that "absent" and "empty" stay
// distinguishable; Field reports absent fields as missing.
type Event struct {
	// Summary is the recognised utterance, e.g. "wohnzimmer licht an".
	Summary string `json:"summary"`

	// CreationTime is the adapter's timestamp in milliseconds since the epoch.
	CreationTime int64 `json:"creationTime"`

	// Name is the display name of the Echo device that heard the command.
	Name *string `json:"name,omitempty"`

	SerialNumber        *string         `json:"serialNumber,omitempty"`
	Status              *string         `json:"status,omitempty"`
	DomainApplicationID *string         `json:"domainApplicationId,omitempty"`
	CardContent         *string         `json:"cardContent,omitempty"`
	AnswerText          *string         `json:"answerText,omitempty"`
	Card                json.RawMessage `json:"card,omitempty"`
}

// Parse validates data against the event schema and decodes it.
func Parse(data []byte) (*Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &evt, nil
}

// Field returns the JSON encoding of the named field and whether the event
// carries it. Names follow the adapter's JSON keys.
func (e *Event) Field(name string) (json.RawMessage, bool) {
	switch name {
	case FieldSummary:
		return mustMarshal(e.Summary), true
	case FieldCreationTime:
		return mustMarshal(e.CreationTime), true
	case "name":
		return optString(e.Name)
	case "serialNumber":
		return optString(e.SerialNumber)
	case "status":
		return optString(e.Status)
	case "domainApplicationId":
		return optString(e.DomainApplicationID)
	case "cardContent":
		return optString(e.CardContent)
	case "answerText":
		return optString(e.AnswerText)
	case "card":
		if len(e.Card) == 0 || string(e.Card) == "null" {
			return nil, false
		}
		return e.Card, true
	}
	return nil, false
}

func optString(s *string) (json.RawMessage, bool) {
	if s == nil {
		return nil, false
	}
	return mustMarshal(*s), true
}

// mustMarshal is only used for strings and integers, which cannot fail.
func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
