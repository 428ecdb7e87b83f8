package audit_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"fieldaudit/pkg/audit"
	"fieldaudit/pkg/audit/store"
	"fieldaudit/pkg/auditcontext"
)

type M2MSuite struct {
	suite.Suite
	store *store.InMemoryStore
	svc   *audit.Service
	crew  *CrewMember
}

func TestM2MSuite(t *testing.T) {
	suite.Run(t, new(M2MSuite))
}

func (s *M2MSuite) SetupTest() {
	registry := audit.NewRegistry()
	_, err := registry.Register(&CrewMember{}, audit.RegisterOptions{
		Fields:    crewFields,
		M2MFields: []string{"certifications"},
		ClassPath: "flight.CrewMember",
	})
	s.Require().NoError(err)

	s.store = store.NewInMemory()
	s.svc = audit.NewService(registry, s.store, nil)
	s.crew = &CrewMember{ID: 1, Name: "Test Pilot"}
}

func (s *M2MSuite) TestAddEmitsMembershipDelta() {
	err := s.svc.AuditM2MChange(context.Background(), s.crew, "certifications", audit.M2MAdd, []any{int64(10), int64(11)})
	s.Require().NoError(err)

	events := s.store.All()
	s.Require().Len(events, 1)
	event := events[0]
	s.False(event.IsCreate)
	s.False(event.IsDelete)
	s.Equal(int64(1), event.ObjectPK)
	s.Equal(audit.Delta{
		"certifications": audit.FieldDiff{"add": []any{int64(10), int64(11)}},
	}, event.Delta)
}

func (s *M2MSuite) TestRemoveEmitsMembershipDelta() {
	err := s.svc.AuditM2MChange(context.Background(), s.crew, "certifications", audit.M2MRemove, []any{int64(10)})
	s.Require().NoError(err)

	events := s.store.All()
	s.Require().Len(events, 1)
	s.Equal(audit.Delta{
		"certifications": audit.FieldDiff{"remove": []any{int64(10)}},
	}, events[0].Delta)
}

func (s *M2MSuite) TestClearEmitsPreClearMembership() {
	err := s.svc.PrepareM2MClear(s.crew, "certifications", []any{int64(10), int64(11)})
	s.Require().NoError(err)

	err = s.svc.AuditM2MChange(context.Background(), s.crew, "certifications", audit.M2MClear, nil)
	s.Require().NoError(err)

	events := s.store.All()
	s.Require().Len(events, 1)
	s.Equal(audit.Delta{
		"certifications": audit.FieldDiff{"remove": []any{int64(10), int64(11)}},
	}, events[0].Delta)
}

func (s *M2MSuite) TestClearWithoutSnapshotFails() {
	err := s.svc.AuditM2MChange(context.Background(), s.crew, "certifications", audit.M2MClear, nil)
	s.Require().ErrorIs(err, audit.ErrValuesNeverAttached)
}

func (s *M2MSuite) TestEmptyMutationEmitsNothing() {
	err := s.svc.AuditM2MChange(context.Background(), s.crew, "certifications", audit.M2MAdd, nil)
	s.Require().NoError(err)

	// Clearing an already-empty relation is also a no-op.
	s.Require().NoError(s.svc.PrepareM2MClear(s.crew, "certifications", nil))
	err = s.svc.AuditM2MChange(context.Background(), s.crew, "certifications", audit.M2MClear, nil)
	s.Require().NoError(err)

	s.Empty(s.store.All())
}

func (s *M2MSuite) TestUnauditedFieldIgnored() {
	s.Require().NoError(s.svc.PrepareM2MClear(s.crew, "aircraft", []any{int64(1)}))
	err := s.svc.AuditM2MChange(context.Background(), s.crew, "aircraft", audit.M2MAdd, []any{int64(1)})
	s.Require().NoError(err)
	s.Empty(s.store.All())
}

func (s *M2MSuite) TestDisabledContextSkips() {
	ctx := auditcontext.WithAuditDisabled(context.Background())
	err := s.svc.AuditM2MChange(ctx, s.crew, "certifications", audit.M2MAdd, []any{int64(10)})
	s.Require().NoError(err)
	s.Empty(s.store.All())
}
