package domain

import (
	"testing"

	"github.com/stretchr/testify/require"

	"metaflow/internal/proptype"
)

func TestActionTypeReferences(t *testing.T) {
	spawn, err := NewRule("create_object", map[string]any{"objectTypeId": "task"})
	require.NoError(t, err)
	link, err := NewRule("link_objects", map[string]any{"relationshipId": "account_deals", "to": "d1"})
	require.NoError(t, err)

	a := ActionType{
		ID:           "follow_up",
		ObjectTypeID: "deal",
		Parameters: []Parameter{
			{Name: "note", Type: proptype.String},
			{Name: "owner", Type: proptype.Reference, TargetTypeID: "user"},
		},
		Rules:    []Rule{link, spawn},
		Criteria: &Criteria{ObjectTypeID: "account"},
	}
	require.Equal(t, "criteria.objectTypeId", a.TypeReference("account"))
	require.Equal(t, "parameters[1].targetTypeId", a.TypeReference("user"))
	require.Equal(t, "rules[1].objectTypeId", a.TypeReference("task"))
	require.Empty(t, a.TypeReference("deal"), "the attachment is not a reference")
	require.Empty(t, a.TypeReference(""))

	require.Equal(t, "rules[0].relationshipId", a.RelationshipReference("account_deals"))
	require.Empty(t, a.RelationshipReference("other"))
	require.Empty(t, a.RelationshipReference(""))

	require.Equal(t, "task", spawn.Arg("objectTypeId"))
	require.Empty(t, spawn.Arg("fields"))
	require.Empty(t, Rule{Kind: "noop"}.Arg("objectTypeId"))
}
