package checkpoints

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// The proto format stores the checkpoint as a google.protobuf.Struct using the same
// field names as the JSON format, so both formats describe the same document.

func marshalProto(checkpoint *Checkpoint) ([]byte, error) {
	s, err := toStruct(checkpoint)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func unmarshalProto(data []byte) (*Checkpoint, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal protobuf: %w", err)
	}
	return fromStruct(&s)
}

func toStruct(checkpoint *Checkpoint) (*structpb.Struct, error) {
	raw, err := json.Marshal(checkpoint)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build protobuf struct: %w", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct) (*Checkpoint, error) {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return nil, err
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(raw, &checkpoint); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}
