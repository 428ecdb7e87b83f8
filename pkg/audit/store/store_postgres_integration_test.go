//go:build integration

package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"fieldaudit/pkg/audit"
	"fieldaudit/pkg/audit/store"
	"fieldaudit/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.SQLStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
	s.Require().NoError(s.store.EnsureSchema(context.Background()))

	_, err := s.postgres.DB.Exec(`
		CREATE TABLE IF NOT EXISTS crew_members (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			title TEXT NOT NULL
		)`)
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "audit_events", "crew_members"))
}

func (s *PostgresStoreSuite) TestEventRoundTrip() {
	ctx := context.Background()
	event := &audit.Event{
		ObjectClassPath: "flight.CrewMember",
		ObjectPK:        int64(1),
		ChangeContext:   audit.ChangeContext{"user_type": audit.UserTypeRequest, "username": "alice"},
		IsCreate:        true,
		Delta:           audit.Delta{"name": audit.DiffNew("Test Pilot")},
	}
	s.Require().NoError(s.store.Create(ctx, event))
	s.Positive(event.ID)

	stored, err := s.store.ByClassPath(ctx, "flight.CrewMember")
	s.Require().NoError(err)
	s.Require().Len(stored, 1)
	s.Equal(event.ChangeContext, stored[0].ChangeContext)
	s.Equal(event.Delta, stored[0].Delta)
}

// TestAttributionQueryParity covers the JSONB containment path, which the
// sqlite suite cannot reach. Result sets must match the flat-equality shim.
func (s *PostgresStoreSuite) TestAttributionQueryParity() {
	ctx := context.Background()
	for i, cc := range []audit.ChangeContext{
		{"user_type": audit.UserTypeRequest, "username": "alice"},
		{"user_type": audit.UserTypeRequest, "username": "bob"},
		{"user_type": audit.UserTypeTTY, "username": "alice"},
		{"user_type": audit.UserTypeProcess, "username": "alice"},
	} {
		err := s.store.Create(ctx, &audit.Event{
			ObjectClassPath: "flight.CrewMember",
			ObjectPK:        int64(i + 1),
			ChangeContext:   cc,
			Delta:           audit.Delta{"title": audit.DiffChange("a", "b")},
		})
		s.Require().NoError(err)
	}

	events, err := s.store.ByTypeAndUsername(ctx, audit.UserTypeRequest, "alice")
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.EqualValues(1, events[0].ObjectPK)

	events, err = s.store.BySystemUser(ctx, "alice")
	s.Require().NoError(err)
	s.Require().Len(events, 2)

	events, err = s.store.ByTypeAndUsername(ctx, audit.UserTypeRequest, "carol")
	s.Require().NoError(err)
	s.Empty(events)
}

func (s *PostgresStoreSuite) TestCheckConstraint() {
	_, err := s.postgres.DB.Exec(`
		INSERT INTO audit_events
			(object_class_path, object_pk, change_context, is_create, is_delete, delta)
		VALUES ('x', '1'::jsonb, '{}'::jsonb, TRUE, TRUE, '{}'::jsonb)`)
	s.Require().Error(err)
	s.Contains(err.Error(), "audit_events_single_kind")
}

func (s *PostgresStoreSuite) TestIterRecordsMissingAuditCastsPK() {
	ctx := context.Background()
	for _, name := range []string{"Pilot 1", "Pilot 2", "Pilot 3"} {
		_, err := s.postgres.DB.Exec(
			`INSERT INTO crew_members (name, title) VALUES ($1, 'Captain')`, name)
		s.Require().NoError(err)
	}
	s.Require().NoError(s.store.Create(ctx, &audit.Event{
		ObjectClassPath: "flight.CrewMember",
		ObjectPK:        int64(1),
		IsBootstrap:     true,
		Delta:           audit.Delta{"name": audit.DiffNew("Pilot 1")},
	}))

	binding := audit.Binding{Table: "crew_members", PKColumn: "id", PKType: "bigint"}
	var pks []any
	err := s.store.IterRecordsMissingAudit(ctx, binding, []string{"name"}, "flight.CrewMember", func(r audit.Record) error {
		pks = append(pks, r.PK)
		return nil
	})
	s.Require().NoError(err)
	s.Require().Len(pks, 2)
	s.EqualValues(2, pks[0])
	s.EqualValues(3, pks[1])

	// Text comparison path, without a declared pk type.
	binding.PKType = ""
	pks = nil
	err = s.store.IterRecordsMissingAudit(ctx, binding, []string{"name"}, "flight.CrewMember", func(r audit.Record) error {
		pks = append(pks, r.PK)
		return nil
	})
	s.Require().NoError(err)
	s.Len(pks, 2)
}
