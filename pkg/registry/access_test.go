package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/filecollection/pkg/auth"
	"github.com/marmos91/filecollection/pkg/store/document"
)

func TestParseCondition(t *testing.T) {
	owned := &document.File{Metadata: map[string]any{"owner": "alice"}}
	alice := auth.Identity{UserID: "alice", Roles: []string{"admin"}}
	bob := auth.Identity{UserID: "bob"}

	tests := []struct {
		condition string
		req       auth.Request
		want      bool
	}{
		{"always", auth.Request{}, true},
		{"never", auth.Request{Identity: alice}, false},
		{"authenticated", auth.Request{Identity: alice}, true},
		{"authenticated", auth.Request{}, false},
		{"owner:owner", auth.Request{Identity: alice, Document: owned}, true},
		{"owner:owner", auth.Request{Identity: bob, Document: owned}, false},
		{"role:admin", auth.Request{Identity: alice}, true},
		{"role:admin", auth.Request{Identity: bob}, false},
		{"length_exceeds:10", auth.Request{Change: &auth.Change{Length: 11}}, true},
		{"length_exceeds:10", auth.Request{Change: &auth.Change{Length: 10}}, false},
		{" always ", auth.Request{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.condition, func(t *testing.T) {
			p, err := ParseCondition(tt.condition)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p(tt.req))
		})
	}

	for _, bad := range []string{"", "sometimes", "owner", "owner:", "role:", "length_exceeds:x", "length_exceeds:-1"} {
		_, err := ParseCondition(bad)
		assert.Error(t, err, bad)
	}
}

func TestBuildGate(t *testing.T) {
	gate, err := BuildGate([]AccessRule{
		{Operation: auth.OpUpdate, Effect: EffectDeny, When: []string{"length_exceeds:100"}},
		{Operation: auth.OpUpdate, Effect: EffectAllow, When: []string{"authenticated", "owner:owner"}},
		{Operation: auth.OpInsert, Effect: EffectAllow},
	})
	require.NoError(t, err)

	owned := &document.File{Metadata: map[string]any{"owner": "alice"}}
	alice := auth.Identity{UserID: "alice"}

	assert.Equal(t, auth.Allow, gate.Evaluate(auth.OpInsert, auth.Request{}))
	assert.Equal(t, auth.Abstain, gate.Evaluate(auth.OpRemove, auth.Request{Identity: alice}))

	small := auth.Request{Identity: alice, Document: owned, Change: &auth.Change{Length: 50}}
	assert.Equal(t, auth.Allow, gate.Evaluate(auth.OpUpdate, small))

	large := auth.Request{Identity: alice, Document: owned, Change: &auth.Change{Length: 500}}
	assert.Equal(t, auth.Deny, gate.Evaluate(auth.OpUpdate, large))

	stranger := auth.Request{Identity: auth.Identity{UserID: "bob"}, Document: owned}
	assert.Equal(t, auth.Abstain, gate.Evaluate(auth.OpUpdate, stranger), "all conditions must hold")
}

func TestBuildGate_Invalid(t *testing.T) {
	_, err := BuildGate([]AccessRule{{Operation: "read", Effect: EffectAllow}})
	assert.Error(t, err)

	_, err = BuildGate([]AccessRule{{Operation: auth.OpInsert, Effect: EffectAllow, When: []string{"bogus"}}})
	assert.Error(t, err)

	gate, err := BuildGate(nil)
	require.NoError(t, err)
	assert.Equal(t, auth.Abstain, gate.Evaluate(auth.OpInsert, auth.Request{}))
}
