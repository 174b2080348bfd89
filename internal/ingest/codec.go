package ingest

import (
	"encoding/json"
	"fmt"
	"mime"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/hemrs/pkg/mq"
)

// Decode parses a payload according to its content type. Payloads without
// a content type are treated as JSON.
func Decode(contentType string, body []byte) (Message, error) {
	mediaType := mq.ContentTypeJSON
	if contentType != "" {
		parsed, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return Message{}, fmt.Errorf("%w: content type %q", ErrDecode, contentType)
		}
		mediaType = parsed
	}

	switch mediaType {
	case mq.ContentTypeJSON, "text/plain":
		return decodeJSON(body)
	case mq.ContentTypeProtobuf, "application/x-protobuf":
		return decodeProtobuf(body)
	default:
		return Message{}, fmt.Errorf("%w: unsupported content type %q", ErrDecode, mediaType)
	}
}

func decodeJSON(body []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return msg, nil
}

// decodeProtobuf reads a google.protobuf.Struct with the same fields as the
// JSON form.
func decodeProtobuf(body []byte) (Message, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(body, &s); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	raw, err := protojson.Marshal(&s)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return decodeJSON(raw)
}

// EncodeJSON renders msg for the JSON content type.
func EncodeJSON(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// EncodeProtobuf renders msg as a serialized google.protobuf.Struct.
func EncodeProtobuf(msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	var s structpb.Struct
	if err := protojson.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to build struct: %w", err)
	}

	body, err := proto.Marshal(&s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal struct: %w", err)
	}
	return body, nil
}
