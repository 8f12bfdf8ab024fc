package grpcapi

import (
	"fmt"
	"time"

	"github.com/devghori1264/aerophoenix/rackd/internal/models"
	"google.golang.org/protobuf/types/known/structpb"
)

func timeValue(t time.Time) *structpb.Value {
	return structpb.NewStringValue(t.UTC().Format(time.RFC3339Nano))
}

func rackStruct(r *models.Rack) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":           structpb.NewNumberValue(float64(r.ID)),
		"capacity":     structpb.NewNumberValue(float64(r.Capacity)),
		"server_count": structpb.NewNumberValue(float64(r.ServerCount)),
		"create_date":  timeValue(r.CreatedAt),
		"change_date":  timeValue(r.UpdatedAt),
	}}
}

func serverStruct(m *models.Server) *structpb.Struct {
	expires := structpb.NewNullValue()
	if m.ExpiresAt != nil {
		expires = timeValue(*m.ExpiresAt)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":           structpb.NewNumberValue(float64(m.ID)),
		"rack":         structpb.NewNumberValue(float64(m.RackID)),
		"state":        structpb.NewStringValue(string(m.State)),
		"expired_date": expires,
		"create_date":  timeValue(m.CreatedAt),
		"change_date":  timeValue(m.UpdatedAt),
	}}
}

func rackList(racks []*models.Rack) *structpb.ListValue {
	out := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(racks))}
	for _, r := range racks {
		out.Values = append(out.Values, structpb.NewStructValue(rackStruct(r)))
	}
	return out
}

func serverList(servers []*models.Server) *structpb.ListValue {
	out := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(servers))}
	for _, m := range servers {
		out.Values = append(out.Values, structpb.NewStructValue(serverStruct(m)))
	}
	return out
}

func int64Field(s *structpb.Struct, name string) int64 {
	return int64(s.GetFields()[name].GetNumberValue())
}

func timeField(s *structpb.Struct, name string) (time.Time, error) {
	v := s.GetFields()[name].GetStringValue()
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("field %s: %w", name, err)
	}
	return t, nil
}

// RackFromStruct decodes a rack returned by the service.
func RackFromStruct(s *structpb.Struct) (*models.Rack, error) {
	created, err := timeField(s, "create_date")
	if err != nil {
		return nil, err
	}
	changed, err := timeField(s, "change_date")
	if err != nil {
		return nil, err
	}
	return &models.Rack{
		ID:          int64Field(s, "id"),
		Capacity:    int64Field(s, "capacity"),
		ServerCount: int64Field(s, "server_count"),
		CreatedAt:   created,
		UpdatedAt:   changed,
	}, nil
}

// ServerFromStruct decodes a server returned by the service.
func ServerFromStruct(s *structpb.Struct) (*models.Server, error) {
	created, err := timeField(s, "create_date")
	if err != nil {
		return nil, err
	}
	changed, err := timeField(s, "change_date")
	if err != nil {
		return nil, err
	}
	m := &models.Server{
		ID:        int64Field(s, "id"),
		RackID:    int64Field(s, "rack"),
		State:     models.State(s.GetFields()["state"].GetStringValue()),
		CreatedAt: created,
		UpdatedAt: changed,
	}
	if s.GetFields()["expired_date"].GetStringValue() != "" {
		exp, err := timeField(s, "expired_date")
		if err != nil {
			return nil, err
		}
		m.ExpiresAt = &exp
	}
	return m, nil
}
