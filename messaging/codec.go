package messaging

import (
	"bytes"
	"errors"

	jsoniter "github.com/json-iterator/go"
)

var errInvalidJSON = errors.New("invalid JSON")

// Codec encodes outgoing bodies and decodes incoming ones.
type Codec interface {
	Marshal(v any) ([]byte, error)
	// DecodeObject decodes data, failing unless it is a JSON object.
	DecodeObject(data []byte) (map[string]any, error)
	ContentType() string
}

// JSONCodec is the default codec, backed by json-iterator in standard-library
// compatible mode.
func JSONCodec() Codec {
	return jsonCodec{api: jsoniter.ConfigCompatibleWithStandardLibrary}
}

type jsonCodec struct {
	api jsoniter.API
}

func (c jsonCodec) Marshal(v any) ([]byte, error) {
	return c.api.Marshal(v)
}

func (c jsonCodec) DecodeObject(data []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if !c.api.Valid(trimmed) {
			return nil, errInvalidJSON
		}
		return nil, ErrNotObject
	}
	var body map[string]any
	if err := c.api.Unmarshal(trimmed, &body); err != nil {
		return nil, err
	}
	if body == nil {
		return nil, ErrNotObject
	}
	return body, nil
}

func (c jsonCodec) ContentType() string {
	return "application/json"
}
