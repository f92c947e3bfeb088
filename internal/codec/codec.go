// Package codec exposes the JSON implementation used on the wire and on disk.
package codec

import jsoniter "github.com/json-iterator/go"

var (
	// JSON is the jsoniter configuration shared by the SDK and the sandbox gateway.
	JSON = jsoniter.ConfigCompatibleWithStandardLibrary

	// Marshal is a shorthand for JSON.Marshal.
	Marshal = JSON.Marshal

	// MarshalIndent is a shorthand for JSON.MarshalIndent.
	MarshalIndent = JSON.MarshalIndent

	// Unmarshal is a shorthand for JSON.Unmarshal.
	Unmarshal = JSON.Unmarshal

	// NewDecoder is a shorthand for JSON.NewDecoder.
	NewDecoder = JSON.NewDecoder

	// NewEncoder is a shorthand for JSON.NewEncoder.
	NewEncoder = JSON.NewEncoder
)
