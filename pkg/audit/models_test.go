package audit_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldaudit/pkg/audit"
)

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   audit.Event
		wantErr error
	}{
		{
			name:  "create",
			event: audit.Event{IsCreate: true, Delta: audit.Delta{"name": audit.DiffNew("x")}},
		},
		{
			name:  "update",
			event: audit.Event{Delta: audit.Delta{"name": audit.DiffChange("x", "y")}},
		},
		{
			name:    "create and delete",
			event:   audit.Event{IsCreate: true, IsDelete: true, Delta: audit.Delta{"name": audit.DiffNew("x")}},
			wantErr: audit.ErrConflictingKinds,
		},
		{
			name:    "create and bootstrap",
			event:   audit.Event{IsCreate: true, IsBootstrap: true, Delta: audit.Delta{"name": audit.DiffNew("x")}},
			wantErr: audit.ErrConflictingKinds,
		},
		{
			name:    "empty delta",
			event:   audit.Event{IsCreate: true},
			wantErr: audit.ErrEmptyDiff,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestCheckAction(t *testing.T) {
	require.NoError(t, audit.CheckAction(audit.ActionAudit))
	require.NoError(t, audit.CheckAction(audit.ActionIgnore))
	require.ErrorIs(t, audit.CheckAction(audit.ActionUnset), audit.ErrActionRequired)
	require.ErrorIs(t, audit.CheckAction(audit.Action(42)), audit.ErrUnknownAction)
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "audit", audit.ActionAudit.String())
	assert.Equal(t, "ignore", audit.ActionIgnore.String())
	assert.Equal(t, "unset", audit.ActionUnset.String())
	assert.Equal(t, "invalid", audit.Action(42).String())
}

func TestFieldDiffAccessors(t *testing.T) {
	diff := audit.DiffChange("Captain", "Senior Captain")

	old, ok := diff.Old()
	require.True(t, ok)
	assert.Equal(t, "Captain", old)

	newValue, ok := diff.New()
	require.True(t, ok)
	assert.Equal(t, "Senior Captain", newValue)

	_, ok = audit.DiffNew("x").Old()
	assert.False(t, ok)
	_, ok = audit.DiffOld("x").New()
	assert.False(t, ok)
}
