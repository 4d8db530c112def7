package transformer

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/maxpert/cqnotify/relay"
)

func init() {
	relay.RegisterTransformer("envelope", func() relay.Transformer {
		return NewEnvelopeTransformer()
	})
}

// EnvelopeTransformer emits Kafka Connect style messages: an embedded schema
// next to a payload carrying op, ts_ms and a source block. Row ids take the
// place of before/after images, which notifications do not have.
type EnvelopeTransformer struct {
	connectorName string
	schemaCache   sync.Map // "db.table" -> *envelopeSchema
}

// NewEnvelopeTransformer creates an envelope transformer
func NewEnvelopeTransformer() *EnvelopeTransformer {
	return &EnvelopeTransformer{connectorName: "cqnotify"}
}

type envelopeSchema struct {
	Type   string        `json:"type"`
	Name   string        `json:"name"`
	Fields []schemaField `json:"fields"`
}

type schemaField struct {
	Field    string        `json:"field"`
	Type     string        `json:"type"`
	Optional bool          `json:"optional,omitempty"`
	Name     string        `json:"name,omitempty"`
	Items    *schemaField  `json:"items,omitempty"`
	Fields   []schemaField `json:"fields,omitempty"`
}

type envelopeMessage struct {
	Schema  *envelopeSchema `json:"schema"`
	Payload envelopePayload `json:"payload"`
}

type envelopePayload struct {
	Op     string         `json:"op"`
	TsMs   int64          `json:"ts_ms"`
	Rowids []string       `json:"rowids"`
	Source envelopeSource `json:"source"`
	Error  string         `json:"error,omitempty"`
}

type envelopeSource struct {
	Connector    string `json:"connector"`
	Node         uint64 `json:"node"`
	Db           string `json:"db"`
	Table        string `json:"table"`
	Subscription string `json:"subscription"`
	Event        string `json:"event"`
	QueryID      uint64 `json:"query_id"`
	Operation    string `json:"operation"`
	LSN          uint64 `json:"lsn"`
}

// Transform converts a change event to an envelope
func (e *EnvelopeTransformer) Transform(event relay.ChangeEvent) ([]byte, error) {
	rowids := event.Rowids
	if rowids == nil {
		rowids = []string{}
	}

	msg := envelopeMessage{
		Schema: e.schemaFor(event.Database, event.Table),
		Payload: envelopePayload{
			Op:     mapOperation(event.Operation),
			TsMs:   event.ReceivedAt,
			Rowids: rowids,
			Error:  event.Error,
			Source: envelopeSource{
				Connector:    e.connectorName,
				Node:         event.NodeID,
				Db:           event.Database,
				Table:        event.Table,
				Subscription: event.Subscription,
				Event:        event.EventType,
				QueryID:      event.QueryID,
				Operation:    event.Operation,
				LSN:          event.SeqNum,
			},
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// mapOperation picks the envelope op letter. Combined flags resolve to the
// strongest single change; schema and database events become "t".
func mapOperation(op string) string {
	names := strings.Split(op, "|")
	has := func(name string) bool {
		for _, n := range names {
			if n == name {
				return true
			}
		}
		return false
	}

	switch {
	case has("delete"):
		return "d"
	case has("insert") && !has("update"):
		return "c"
	case has("update"), has("insert"), has("all_rows"):
		return "u"
	default:
		return "t"
	}
}

func (e *EnvelopeTransformer) schemaFor(database, table string) *envelopeSchema {
	key := database + "." + table
	if cached, ok := e.schemaCache.Load(key); ok {
		return cached.(*envelopeSchema)
	}

	s := buildEnvelopeSchema(key)
	actual, _ := e.schemaCache.LoadOrStore(key, s)
	return actual.(*envelopeSchema)
}

func buildEnvelopeSchema(name string) *envelopeSchema {
	return &envelopeSchema{
		Type: "struct",
		Name: name + ".Envelope",
		Fields: []schemaField{
			{Field: "op", Type: "string"},
			{Field: "ts_ms", Type: "int64"},
			{Field: "rowids", Type: "array", Items: &schemaField{Type: "string"}},
			{Field: "error", Type: "string", Optional: true},
			{
				Field: "source",
				Type:  "struct",
				Name:  "io.cqnotify.Source",
				Fields: []schemaField{
					{Field: "connector", Type: "string"},
					{Field: "node", Type: "int64"},
					{Field: "db", Type: "string"},
					{Field: "table", Type: "string"},
					{Field: "subscription", Type: "string"},
					{Field: "event", Type: "string"},
					{Field: "query_id", Type: "int64"},
					{Field: "operation", Type: "string"},
					{Field: "lsn", Type: "int64"},
				},
			},
		},
	}
}
