package queue

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encoder serializes messages and payloads.
type Encoder interface {
	Encode(any) ([]byte, error)
	Decode([]byte, any) error
}

// JSONEncoder encodes with encoding/json and decodes with sonic.
type JSONEncoder struct{}

func (*JSONEncoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (*JSONEncoder) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}
