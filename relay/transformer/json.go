// Package transformer provides the relay payload formats. Each format
// registers a factory with the relay registry from init.
package transformer

import (
	"encoding/json"
	"fmt"

	"github.com/maxpert/cqnotify/encoding"
	"github.com/maxpert/cqnotify/relay"
)

func init() {
	relay.RegisterTransformer("json", func() relay.Transformer { return JSONTransformer{} })
	relay.RegisterTransformer("msgpack", func() relay.Transformer { return MsgpackTransformer{} })
}

// JSONTransformer emits the change event as a flat JSON object
type JSONTransformer struct{}

func (JSONTransformer) Transform(event relay.ChangeEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// MsgpackTransformer emits the change event with the same msgpack layout
// as the relay log.
type MsgpackTransformer struct{}

func (MsgpackTransformer) Transform(event relay.ChangeEvent) ([]byte, error) {
	data, err := encoding.Marshal(&event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal msgpack: %w", err)
	}
	return data, nil
}
