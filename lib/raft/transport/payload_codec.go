package transport

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
)

type jsonSerializer struct{}

func (jsonSerializer) Marshal(v interface{}) ([]byte, error)   { return json.Marshal(v) }
func (jsonSerializer) Unmarshal(b []byte, v interface{}) error { return json.Unmarshal(b, v) }
func (jsonSerializer) Name() string                            { return "json" }

type gobSerializer struct{}

func (gobSerializer) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobSerializer) Unmarshal(b []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func (gobSerializer) Name() string { return "gob" }
