package audit_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldaudit/pkg/audit"
)

type notAuditable struct{}

func TestRegisterRequiresAuditable(t *testing.T) {
	reg := audit.NewRegistry()
	_, err := reg.Register(notAuditable{}, audit.RegisterOptions{Fields: []string{"name"}})
	require.ErrorIs(t, err, audit.ErrNotAuditable)
}

func TestRegisterRequiresFields(t *testing.T) {
	reg := audit.NewRegistry()
	_, err := reg.Register(&CrewMember{}, audit.RegisterOptions{})
	require.ErrorIs(t, err, audit.ErrNoFields)
}

func TestRegisterBulkRequiresBinding(t *testing.T) {
	reg := audit.NewRegistry()
	_, err := reg.Register(&CrewMember{}, audit.RegisterOptions{
		Fields:          []string{"name"},
		EnableBulkAudit: true,
	})
	require.ErrorIs(t, err, audit.ErrBulkNeedsBinding)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := audit.NewRegistry()
	_, err := reg.Register(&CrewMember{}, audit.RegisterOptions{Fields: []string{"name"}})
	require.NoError(t, err)

	_, err = reg.Register(&CrewMember{}, audit.RegisterOptions{Fields: []string{"name"}})
	require.ErrorIs(t, err, audit.ErrAlreadyAudited)
}

func TestRegisterDefaultsClassPath(t *testing.T) {
	reg := audit.NewRegistry()
	r, err := reg.Register(&CrewMember{}, audit.RegisterOptions{Fields: []string{"name"}})
	require.NoError(t, err)
	assert.Equal(t, "fieldaudit/pkg/audit_test.CrewMember", r.ClassPath)
}

func TestForInstanceUnregistered(t *testing.T) {
	reg := audit.NewRegistry()
	_, err := reg.ForInstance(&CrewMember{})
	require.ErrorIs(t, err, audit.ErrNotRegistered)
}

func TestRegisterBinding(t *testing.T) {
	reg := audit.NewRegistry()
	r, err := reg.RegisterBinding("flight.CrewMember", audit.RegisterOptions{
		Fields:  []string{"name", "title"},
		Binding: audit.Binding{Table: "crew_members", PKColumn: "id"},
	})
	require.NoError(t, err)
	assert.Equal(t, "flight.CrewMember", r.ClassPath)

	got, err := reg.ForClassPath("flight.CrewMember")
	require.NoError(t, err)
	assert.Same(t, r, got)

	// Binding-only registrations cannot serve instance lookups.
	_, err = reg.ForInstance(&CrewMember{})
	require.ErrorIs(t, err, audit.ErrNotRegistered)
}

func TestRegistrationFieldLookups(t *testing.T) {
	reg := audit.NewRegistry()
	r, err := reg.Register(&CrewMember{}, audit.RegisterOptions{
		Fields:    []string{"name", "title"},
		M2MFields: []string{"certifications"},
	})
	require.NoError(t, err)

	assert.True(t, r.HasField("title"))
	assert.False(t, r.HasField("certifications"))
	assert.True(t, r.HasM2MField("certifications"))
	assert.False(t, r.HasM2MField("name"))
}

func TestClassPaths(t *testing.T) {
	reg := audit.NewRegistry()
	_, err := reg.RegisterBinding("a.B", audit.RegisterOptions{Fields: []string{"x"}})
	require.NoError(t, err)
	_, err = reg.RegisterBinding("c.D", audit.RegisterOptions{Fields: []string{"y"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.B", "c.D"}, reg.ClassPaths())
}
