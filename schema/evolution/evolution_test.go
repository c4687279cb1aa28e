package evolution_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvrecord/recordlayer/schema"
	"github.com/kvrecord/recordlayer/schema/evolution"
)

func baseUser() *schema.RecordType {
	rt := &schema.RecordType{
		Name:       "User",
		Fields:     []schema.FieldDescriptor{schema.Field("id", schema.TypeInt), schema.Field("email", schema.TypeString)},
		PrimaryKey: []string{"id"},
	}
	rt.Build()
	return rt
}

func TestRemovingIndexWithoutTombstoneBlocked(t *testing.T) {
	old := evolution.Snapshot{
		RecordTypes: map[string]*schema.RecordType{"User": baseUser()},
		Indexes: map[string]schema.IndexDescriptor{
			"by_email": {Name: "by_email", RootExpression: []string{"email"}},
		},
		FormerIndexes: map[string]schema.FormerIndex{},
	}
	next := evolution.Snapshot{
		RecordTypes:   old.RecordTypes,
		Indexes:       map[string]schema.IndexDescriptor{},
		FormerIndexes: map[string]schema.FormerIndex{},
	}
	err := evolution.Validate(old, next)
	require.Error(t, err)
	var blocked *evolution.SchemaEvolutionBlocked
	assert.ErrorAs(t, err, &blocked)
}

func TestRemovingIndexWithTombstoneAllowed(t *testing.T) {
	old := evolution.Snapshot{
		RecordTypes: map[string]*schema.RecordType{"User": baseUser()},
		Indexes: map[string]schema.IndexDescriptor{
			"by_email": {Name: "by_email", RootExpression: []string{"email"}},
		},
		FormerIndexes: map[string]schema.FormerIndex{},
	}
	next := evolution.Snapshot{
		RecordTypes: old.RecordTypes,
		Indexes:     map[string]schema.IndexDescriptor{},
		FormerIndexes: map[string]schema.FormerIndex{
			"by_email": {Name: "by_email", RootExpression: []string{"email"}},
		},
	}
	require.NoError(t, evolution.Validate(old, next))
}

func TestAddingFieldAndIndexAllowed(t *testing.T) {
	old := evolution.Snapshot{
		RecordTypes:   map[string]*schema.RecordType{"User": baseUser()},
		Indexes:       map[string]schema.IndexDescriptor{},
		FormerIndexes: map[string]schema.FormerIndex{},
	}
	newUser := &schema.RecordType{
		Name: "User",
		Fields: []schema.FieldDescriptor{
			schema.Field("id", schema.TypeInt),
			schema.Field("email", schema.TypeString),
			schema.OptionalField("city", schema.TypeString),
		},
		PrimaryKey: []string{"id"},
	}
	newUser.Build()
	next := evolution.Snapshot{
		RecordTypes: map[string]*schema.RecordType{"User": newUser},
		Indexes: map[string]schema.IndexDescriptor{
			"by_city": {Name: "by_city", RootExpression: []string{"city"}},
		},
		FormerIndexes: map[string]schema.FormerIndex{},
	}
	require.NoError(t, evolution.Validate(old, next))
}

func TestReusingFormerIndexKeyWithDifferentExpressionBlocked(t *testing.T) {
	old := evolution.Snapshot{
		RecordTypes:   map[string]*schema.RecordType{"User": baseUser()},
		Indexes:       map[string]schema.IndexDescriptor{},
		FormerIndexes: map[string]schema.FormerIndex{"by_email": {Name: "by_email", RootExpression: []string{"email"}}},
	}
	next := evolution.Snapshot{
		RecordTypes: old.RecordTypes,
		Indexes: map[string]schema.IndexDescriptor{
			"by_email": {Name: "by_email", RootExpression: []string{"id"}},
		},
		FormerIndexes: old.FormerIndexes,
	}
	err := evolution.Validate(old, next)
	require.Error(t, err)
}
