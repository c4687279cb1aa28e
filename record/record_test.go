package record_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvrecord/recordlayer/record"
)

func TestJSONSerializerRoundTrip(t *testing.T) {
	s := record.NewJSONSerializer()
	r := record.Record{
		Type: "User",
		Fields: map[string]any{
			"id":    float64(1),
			"email": "a@x",
			"city":  "Tokyo",
		},
	}
	data, err := s.Serialize(r)
	require.NoError(t, err)

	got, err := s.Deserialize("User", data)
	require.NoError(t, err)
	assert.Equal(t, r.Fields["id"], got.Fields["id"])
	assert.Equal(t, r.Fields["email"], got.Fields["email"])
	assert.Equal(t, r.Fields["city"], got.Fields["city"])
}

func TestJSONSerializerMalformed(t *testing.T) {
	s := record.NewJSONSerializer()
	_, err := s.Deserialize("User", []byte("not json"))
	require.Error(t, err)
	var mr *record.MalformedRecord
	assert.ErrorAs(t, err, &mr)
}
