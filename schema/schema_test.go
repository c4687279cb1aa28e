package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvrecord/recordlayer/record"
	"github.com/kvrecord/recordlayer/schema"
)

func userType() *schema.RecordType {
	rt := &schema.RecordType{
		Name: "User",
		Fields: []schema.FieldDescriptor{
			schema.Field("id", schema.TypeInt),
			schema.Field("email", schema.TypeString),
			schema.OptionalField("city", schema.TypeString),
		},
		PrimaryKey: []string{"id"},
	}
	rt.Build()
	return rt
}

func TestPrimaryKeyOf(t *testing.T) {
	rt := userType()
	r := record.Record{Type: "User", Fields: map[string]any{"id": float64(2), "email": "b@x"}}
	pk, err := rt.PrimaryKeyOf(r)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pk[0])
}

func TestOptionalFieldAbsent(t *testing.T) {
	rt := userType()
	r := record.Record{Type: "User", Fields: map[string]any{"id": float64(1), "email": "a@x"}}
	vals, err := rt.ExtractField(r, "city")
	require.NoError(t, err)
	assert.Len(t, vals, 0)
}

func TestIndexCovers(t *testing.T) {
	idx := schema.IndexDescriptor{
		Name:           "by_city",
		RootExpression: []string{"city"},
		CoveringFields: []string{"name"},
	}
	assert.True(t, idx.Covers([]string{"city", "name"}))
	assert.False(t, idx.Covers([]string{"city", "email"}))
}

func TestIndexStateTransitions(t *testing.T) {
	assert.False(t, schema.StateDisabled.Maintained())
	assert.True(t, schema.StateWriteOnly.Maintained())
	assert.False(t, schema.StateWriteOnly.QueryVisible())
	assert.True(t, schema.StateReadable.QueryVisible())
}
