package objects

import (
	"errors"
	"testing"

	"github.com/osyshome/objectd/internal/actor"
	"github.com/osyshome/objectd/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestRuleCheckEvaluationOrder(t *testing.T) {
	rule := Rule{
		DeniedUsers: []string{"eve"},
		AccessUsers: []string{"eve", "alice"},
		DeniedRoles: []string{"user"},
		AccessRoles: []string{"editor"},
	}

	// denied_users wins even when access_users would match
	err := rule.Check(actor.User{Name: "eve", Role: "editor"}, true, "t", OpGet)
	assert.True(t, errors.Is(err, types.ErrPermissionDenied))

	// access_users wins before denied_roles
	err = rule.Check(actor.User{Name: "alice", Role: "user"}, true, "t", OpGet)
	assert.NoError(t, err)

	// denied_roles fires for unlisted users
	err = rule.Check(actor.User{Name: "bob", Role: "user"}, true, "t", OpGet)
	assert.True(t, errors.Is(err, types.ErrPermissionDenied))

	// access_roles allows
	err = rule.Check(actor.User{Name: "bob", Role: "editor"}, true, "t", OpGet)
	assert.NoError(t, err)
}

func TestRuleCheckAllowlistExcludesOthers(t *testing.T) {
	rule := Rule{AccessRoles: []string{"admin"}}
	err := rule.Check(actor.User{Name: "bob", Role: "user"}, true, "t", OpSet)
	assert.True(t, errors.Is(err, types.ErrPermissionDenied))
}

func TestRuleCheckEmptyRuleAllows(t *testing.T) {
	err := Rule{}.Check(actor.User{Name: "bob", Role: "user"}, true, "t", OpSet)
	assert.NoError(t, err)
}

func TestRuleCheckRootAndBackendAlwaysPass(t *testing.T) {
	rule := Rule{DeniedUsers: []string{Wildcard}}
	assert.NoError(t, rule.Check(actor.User{Name: "sys", Role: actor.RoleRoot}, true, "t", OpSet))
	assert.NoError(t, rule.Check(actor.User{}, false, "t", OpSet))
}

func TestRuleCheckWildcard(t *testing.T) {
	rule := Rule{DeniedRoles: []string{Wildcard}}
	err := rule.Check(actor.User{Name: "bob", Role: "admin"}, true, "t", OpCall)
	assert.True(t, errors.Is(err, types.ErrPermissionDenied))
}

func TestParsePolicy(t *testing.T) {
	raw := map[string]any{
		"get": map[string]any{
			"denied_roles": []any{"user"},
			"access_users": "alice",
		},
		"broken": "not-a-rule",
	}
	policy := ParsePolicy(raw)
	assert.Len(t, policy, 1)
	rule := policy["get"]
	assert.Equal(t, []string{"user"}, rule.DeniedRoles)
	assert.Equal(t, []string{"alice"}, rule.AccessUsers)

	assert.Nil(t, ParsePolicy("garbage"))
}
