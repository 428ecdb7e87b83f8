package store_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	_ "modernc.org/sqlite"

	"fieldaudit/pkg/audit"
	"fieldaudit/pkg/audit/store"
)

type SQLiteStoreSuite struct {
	suite.Suite
	db    *sql.DB
	store *store.SQLStore
}

func TestSQLiteStoreSuite(t *testing.T) {
	suite.Run(t, new(SQLiteStoreSuite))
}

func (s *SQLiteStoreSuite) SetupTest() {
	db, err := sql.Open("sqlite", ":memory:")
	s.Require().NoError(err)
	db.SetMaxOpenConns(1)
	s.db = db

	s.store = store.NewSQLite(db)
	s.Require().NoError(s.store.EnsureSchema(context.Background()))
}

func (s *SQLiteStoreSuite) TearDownTest() {
	s.Require().NoError(s.db.Close())
}

func (s *SQLiteStoreSuite) newEvent(classPath string, pk any, cc audit.ChangeContext) *audit.Event {
	return &audit.Event{
		ObjectClassPath: classPath,
		ObjectPK:        pk,
		ChangeContext:   cc,
		Delta:           audit.Delta{"title": audit.DiffChange("Captain", "Senior Captain")},
	}
}

func (s *SQLiteStoreSuite) TestEnsureSchemaIsIdempotent() {
	s.Require().NoError(s.store.EnsureSchema(context.Background()))
}

func (s *SQLiteStoreSuite) TestCreateAssignsIDAndDate() {
	event := s.newEvent("flight.CrewMember", int64(1), nil)
	s.Require().NoError(s.store.Create(context.Background(), event))
	s.Positive(event.ID)
	s.False(event.EventDate.IsZero())
}

func (s *SQLiteStoreSuite) TestCreateRejectsInvalidEvents() {
	event := s.newEvent("flight.CrewMember", int64(1), nil)
	event.IsCreate = true
	event.IsDelete = true
	err := s.store.Create(context.Background(), event)
	s.Require().ErrorIs(err, audit.ErrConflictingKinds)

	err = s.store.Create(context.Background(), &audit.Event{ObjectClassPath: "x", ObjectPK: 1})
	s.Require().ErrorIs(err, audit.ErrEmptyDiff)
}

func (s *SQLiteStoreSuite) TestCheckConstraintBacksValidation() {
	// Bypass Validate to prove the schema enforces kind exclusivity too.
	_, err := s.db.Exec(`
		INSERT INTO audit_events
			(object_class_path, object_pk, change_context, is_create, is_delete, delta)
		VALUES ('x', '1', '{}', TRUE, TRUE, '{}')`)
	s.Require().Error(err)
	s.Contains(err.Error(), "audit_events_single_kind")
}

func (s *SQLiteStoreSuite) TestCreateBatch() {
	events := make([]*audit.Event, 7)
	for i := range events {
		events[i] = s.newEvent("flight.CrewMember", int64(i+1), nil)
	}
	n, err := s.store.CreateBatch(context.Background(), events)
	s.Require().NoError(err)
	s.Equal(7, n)

	stored, err := s.store.ByClassPath(context.Background(), "flight.CrewMember")
	s.Require().NoError(err)
	s.Len(stored, 7)
}

func (s *SQLiteStoreSuite) TestEventRoundTrip() {
	cc := audit.ChangeContext{"user_type": audit.UserTypeRequest, "username": "alice"}
	event := &audit.Event{
		ObjectClassPath: "flight.CrewMember",
		ObjectPK:        int64(42),
		ChangeContext:   cc,
		IsCreate:        true,
		Delta: audit.Delta{
			"name":         audit.DiffNew("Test Pilot"),
			"flight_hours": audit.DiffNew(1500.0),
		},
	}
	s.Require().NoError(s.store.Create(context.Background(), event))

	stored, err := s.store.ByClassPath(context.Background(), "flight.CrewMember")
	s.Require().NoError(err)
	s.Require().Len(stored, 1)

	got := stored[0]
	s.Equal(event.ID, got.ID)
	s.True(got.IsCreate)
	s.EqualValues(42, got.ObjectPK)
	s.Equal(cc, got.ChangeContext)
	s.Equal(audit.Delta{
		"name":         audit.DiffNew("Test Pilot"),
		"flight_hours": audit.DiffNew(1500.0),
	}, got.Delta)
	s.WithinDuration(time.Now().UTC(), got.EventDate, time.Minute)
}

func (s *SQLiteStoreSuite) seedAttributedEvents() {
	ctx := context.Background()
	for i, cc := range []audit.ChangeContext{
		{"user_type": audit.UserTypeRequest, "username": "alice"},
		{"user_type": audit.UserTypeRequest, "username": "bob"},
		{"user_type": audit.UserTypeTTY, "username": "alice"},
		{"user_type": audit.UserTypeProcess, "username": "alice"},
		{},
	} {
		s.Require().NoError(s.store.Create(ctx, s.newEvent("flight.CrewMember", int64(i+1), cc)))
	}
}

func (s *SQLiteStoreSuite) TestByTypeAndUsername() {
	s.seedAttributedEvents()

	events, err := s.store.ByTypeAndUsername(context.Background(), audit.UserTypeRequest, "alice")
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.EqualValues(1, events[0].ObjectPK)

	events, err = s.store.ByRequestUser(context.Background(), "bob")
	s.Require().NoError(err)
	s.Len(events, 1)

	events, err = s.store.ByTypeAndUsername(context.Background(), audit.UserTypeRequest, "carol")
	s.Require().NoError(err)
	s.Empty(events)
}

func (s *SQLiteStoreSuite) TestBySystemUser() {
	s.seedAttributedEvents()

	events, err := s.store.BySystemUser(context.Background(), "alice")
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.EqualValues(3, events[0].ObjectPK)
	s.EqualValues(4, events[1].ObjectPK)

	events, err = s.store.ByTTYUser(context.Background(), "alice")
	s.Require().NoError(err)
	s.Len(events, 1)

	events, err = s.store.ByProcessUser(context.Background(), "alice")
	s.Require().NoError(err)
	s.Len(events, 1)
}

func (s *SQLiteStoreSuite) TestListTimeWindowAndLimit() {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.Require().NoError(s.store.Create(ctx, s.newEvent("flight.CrewMember", int64(i+1), nil)))
	}

	events, err := s.store.List(ctx, store.Filter{Limit: 2})
	s.Require().NoError(err)
	s.Len(events, 2)

	events, err = s.store.List(ctx, store.Filter{Until: time.Now().UTC().Add(-time.Hour)})
	s.Require().NoError(err)
	s.Empty(events)

	events, err = s.store.List(ctx, store.Filter{Since: time.Now().UTC().Add(-time.Hour)})
	s.Require().NoError(err)
	s.Len(events, 5)

	events, err = s.store.List(ctx, store.Filter{ClassPath: "other.Type"})
	s.Require().NoError(err)
	s.Empty(events)
}

func (s *SQLiteStoreSuite) createCrewTable(rows int) audit.Binding {
	_, err := s.db.Exec(`
		CREATE TABLE crew_members (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			title TEXT NOT NULL
		)`)
	s.Require().NoError(err)
	for i := 1; i <= rows; i++ {
		_, err := s.db.Exec(`INSERT INTO crew_members (name, title) VALUES (?, ?)`,
			fmt.Sprintf("Pilot %d", i), "Captain")
		s.Require().NoError(err)
	}
	return audit.Binding{Table: "crew_members", PKColumn: "id"}
}

func (s *SQLiteStoreSuite) TestIterRecords() {
	binding := s.createCrewTable(3)

	var records []audit.Record
	err := s.store.IterRecords(context.Background(), binding, []string{"name", "title"}, func(r audit.Record) error {
		records = append(records, r)
		return nil
	})
	s.Require().NoError(err)
	s.Require().Len(records, 3)
	s.EqualValues(1, records[0].PK)
	s.Equal("Pilot 1", records[0].Values["name"])
	s.Equal("Captain", records[0].Values["title"])
}

func (s *SQLiteStoreSuite) TestIterRecordsRejectsBadIdentifiers() {
	binding := audit.Binding{Table: "crew_members; DROP TABLE audit_events", PKColumn: "id"}
	err := s.store.IterRecords(context.Background(), binding, []string{"name"}, func(audit.Record) error {
		return nil
	})
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid SQL identifier")
}

func (s *SQLiteStoreSuite) TestIterRecordsMissingAudit() {
	binding := s.createCrewTable(4)
	ctx := context.Background()

	// Rows 1 and 3 are covered: one by a create event, one by bootstrap.
	s.Require().NoError(s.store.Create(ctx, &audit.Event{
		ObjectClassPath: "flight.CrewMember",
		ObjectPK:        int64(1),
		IsCreate:        true,
		Delta:           audit.Delta{"name": audit.DiffNew("Pilot 1")},
	}))
	s.Require().NoError(s.store.Create(ctx, &audit.Event{
		ObjectClassPath: "flight.CrewMember",
		ObjectPK:        int64(3),
		IsBootstrap:     true,
		Delta:           audit.Delta{"name": audit.DiffNew("Pilot 3")},
	}))
	// Update events do not count as coverage.
	s.Require().NoError(s.store.Create(ctx, &audit.Event{
		ObjectClassPath: "flight.CrewMember",
		ObjectPK:        int64(2),
		Delta:           audit.Delta{"title": audit.DiffChange("Captain", "Major")},
	}))
	// Coverage for a different class path is irrelevant.
	s.Require().NoError(s.store.Create(ctx, &audit.Event{
		ObjectClassPath: "other.Type",
		ObjectPK:        int64(4),
		IsCreate:        true,
		Delta:           audit.Delta{"name": audit.DiffNew("x")},
	}))

	var pks []any
	err := s.store.IterRecordsMissingAudit(ctx, binding, []string{"name"}, "flight.CrewMember", func(r audit.Record) error {
		pks = append(pks, r.PK)
		return nil
	})
	s.Require().NoError(err)
	s.Require().Len(pks, 2)
	s.EqualValues(2, pks[0])
	s.EqualValues(4, pks[1])
}

func TestFlavorRebind(t *testing.T) {
	query := "SELECT * FROM t WHERE a = $1 AND b = $2"
	if got := store.FlavorPostgres.Rebind(query); got != query {
		t.Fatalf("postgres rebind changed query: %s", got)
	}
	want := "SELECT * FROM t WHERE a = ? AND b = ?"
	if got := store.FlavorSQLite.Rebind(query); got != want {
		t.Fatalf("sqlite rebind = %s, want %s", got, want)
	}
}
