package tsc

import (
	"bytes"
	"errors"

	jsoniter "github.com/json-iterator/go"
)

// Serializer encodes outgoing bodies and decodes incoming bodies. Implementations
// must satisfy the round-trip law: Unmarshal(Marshal(v)) yields a value equal to v.
type Serializer interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error

	// MarshalBulk encodes a sequence of items as newline-delimited units
	// (action line, optional document line, repeating), ending with a newline.
	MarshalBulk(items []BulkItem) ([]byte, error)

	// UnmarshalBulk parses a newline-delimited payload back into one decoded
	// value per line, preserving order and count.
	UnmarshalBulk(data []byte) ([]interface{}, error)

	// ContentType reports the media type for regular bodies.
	ContentType() string

	// BulkContentType reports the media type for newline-delimited bodies.
	BulkContentType() string
}

// JSONSerializer implements Serializer with jsoniter.
type JSONSerializer struct {
	json jsoniter.API
}

// NewJSONSerializer creates the default Serializer used by the Transport.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{
		json: jsoniter.ConfigFastest,
	}
}

// Marshal encodes a structured value to JSON bytes.
func (s *JSONSerializer) Marshal(v interface{}) ([]byte, error) {

	data, err := s.json.Marshal(v)
	if err != nil {
		return nil, &SerializationError{Operation: "marshal", Err: err}
	}

	return data, nil
}

// Unmarshal parses JSON bytes into the supplied value.
func (s *JSONSerializer) Unmarshal(data []byte, v interface{}) error {

	if err := s.json.Unmarshal(data, v); err != nil {
		return &SerializationError{Operation: "unmarshal", Err: err}
	}

	return nil
}

// MarshalBulk encodes items as newline-delimited JSON. Each item contributes its
// action line and, when present, its document line. The cluster's streaming ingestion
// format requires the trailing newline.
func (s *JSONSerializer) MarshalBulk(items []BulkItem) ([]byte, error) {

	if len(items) == 0 {
		return nil, &SerializationError{Operation: "marshal bulk", Err: errors.New("no items to encode")}
	}

	buffer := &bytes.Buffer{}
	stream := s.json.BorrowStream(buffer)
	defer s.json.ReturnStream(stream)

	for _, item := range items {

		if item.Action == nil {
			return nil, &SerializationError{Operation: "marshal bulk", Err: errors.New("bulk item missing action")}
		}

		stream.WriteVal(item.Action)
		stream.WriteRaw("\n")

		if item.Document != nil {
			stream.WriteVal(item.Document)
			stream.WriteRaw("\n")
		}

		if stream.Error != nil {
			return nil, &SerializationError{Operation: "marshal bulk", Err: stream.Error}
		}
	}

	if err := stream.Flush(); err != nil {
		return nil, &SerializationError{Operation: "marshal bulk", Err: err}
	}

	return buffer.Bytes(), nil
}

// UnmarshalBulk parses newline-delimited JSON into one value per non-empty line.
func (s *JSONSerializer) UnmarshalBulk(data []byte) ([]interface{}, error) {

	lines := bytes.Split(data, []byte("\n"))
	values := make([]interface{}, 0, len(lines))

	for _, line := range lines {

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var value interface{}
		if err := s.json.Unmarshal(line, &value); err != nil {
			return nil, &SerializationError{Operation: "unmarshal bulk", Err: err}
		}

		values = append(values, value)
	}

	return values, nil
}

// ContentType reports the media type for regular bodies.
func (s *JSONSerializer) ContentType() string {
	return "application/json"
}

// BulkContentType reports the media type for newline-delimited bodies.
func (s *JSONSerializer) BulkContentType() string {
	return "application/x-ndjson"
}
