package masterjob

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// body is the negotiation payload.
type body struct {
	Originator string
	Iteration  uint64
	State      string
}

func encodeBody(b body) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		"originator": b.Originator,
		"iteration":  float64(b.Iteration),
		"state":      b.State,
	})
	if err != nil {
		return nil, fmt.Errorf("masterjob: encode body: %w", err)
	}
	return proto.Marshal(s)
}

func decodeBody(raw []byte) (body, error) {
	if len(raw) == 0 {
		return body{}, errors.New("masterjob: empty body")
	}
	var s structpb.Struct
	if err := proto.Unmarshal(raw, &s); err != nil {
		return body{}, fmt.Errorf("masterjob: decode body: %w", err)
	}
	fields := s.GetFields()
	b := body{
		Originator: fields["originator"].GetStringValue(),
		Iteration:  uint64(fields["iteration"].GetNumberValue()),
		State:      fields["state"].GetStringValue(),
	}
	if b.Originator == "" {
		return body{}, errors.New("masterjob: body without originator")
	}
	return b, nil
}
