package api

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshal encodes v with the protocol codec.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes data with the protocol codec.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
