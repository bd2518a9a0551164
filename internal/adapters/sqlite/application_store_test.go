package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/wsregistry/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/wsregistry/internal/core/domain"
	"github.com/atvirokodosprendimai/wsregistry/migrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) (*gormsqlite.DB, *sql.DB) {
	t.Helper()
	ctx := context.Background()

	db, err := gormsqlite.Open(filepath.Join(t.TempDir(), "registry.sqlite"), gormsqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	wdb, err := db.WriteSQLDB()
	require.NoError(t, err)
	require.NoError(t, migrations.Up(ctx, wdb))
	return db, wdb
}

func testApplication(id string) domain.Application {
	return domain.NewApplicationInput{
		AppID:     "app-" + id,
		AppKey:    "key-" + id,
		AppSecret: "secret-" + id,
		Name:      "App " + id,
	}.Build()
}

func TestApplicationStoreCreateWritesAuditAndSyncRequest(t *testing.T) {
	ctx := context.Background()
	db, wdb := openTestDB(t)
	store := NewApplicationStore(db)

	created, err := store.CreateWithEvents(ctx, testApplication("one"), domain.MutationMetadata{Actor: "tester", RequestID: "req-1"})
	require.NoError(t, err)
	assert.NotZero(t, created.InternalID)
	assert.True(t, created.IsActive)
	assert.Equal(t, domain.DefaultMaxConnections, created.MaxConnections)
	assert.Equal(t, []string{}, created.AllowedOrigins)

	assertTableCount(t, ctx, wdb, "applications", 1)
	assertTableCount(t, ctx, wdb, "audit_events", 1)
	assertTableCount(t, ctx, wdb, "outbox_events", 1)

	var payload string
	require.NoError(t, wdb.QueryRowContext(ctx, "SELECT payload_json FROM outbox_events").Scan(&payload))
	var req domain.SyncRequest
	require.NoError(t, json.Unmarshal([]byte(payload), &req))
	assert.Equal(t, domain.EventApplicationCreated, req.EventType)
	assert.Equal(t, "app-one", req.AppID)
	assert.Equal(t, "created", req.Reason)
	assert.Equal(t, "tester", req.Actor)

	var afterJSON string
	require.NoError(t, wdb.QueryRowContext(ctx, "SELECT after_json FROM audit_events").Scan(&afterJSON))
	assert.NotContains(t, afterJSON, "secret-one")
}

func TestApplicationStoreRejectsDuplicateCredentials(t *testing.T) {
	ctx := context.Background()
	db, wdb := openTestDB(t)
	store := NewApplicationStore(db)

	_, err := store.CreateWithEvents(ctx, testApplication("one"), domain.MutationMetadata{})
	require.NoError(t, err)

	dupID := testApplication("two")
	dupID.AppID = "app-one"
	_, err = store.CreateWithEvents(ctx, dupID, domain.MutationMetadata{})
	var dup *domain.DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "app_id", dup.Field)
	assert.ErrorIs(t, err, domain.ErrValidation)

	dupKey := testApplication("three")
	dupKey.AppKey = "key-one"
	_, err = store.CreateWithEvents(ctx, dupKey, domain.MutationMetadata{})
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "app_key", dup.Field)

	assertTableCount(t, ctx, wdb, "applications", 1)
	assertTableCount(t, ctx, wdb, "outbox_events", 1)
}

func TestApplicationStoreRejectsDuplicateSecret(t *testing.T) {
	ctx := context.Background()
	db, wdb := openTestDB(t)
	store := NewApplicationStore(db)

	_, err := store.CreateWithEvents(ctx, testApplication("one"), domain.MutationMetadata{})
	require.NoError(t, err)
	_, err = store.CreateWithEvents(ctx, testApplication("two"), domain.MutationMetadata{})
	require.NoError(t, err)

	shared := testApplication("three")
	shared.AppSecret = "secret-one"
	_, err = store.CreateWithEvents(ctx, shared, domain.MutationMetadata{})
	var dup *domain.DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "app_secret", dup.Field)

	_, _, err = store.UpdateWithEvents(ctx, "app-two", func(app *domain.Application) (bool, error) {
		app.AppSecret = "secret-one"
		return true, nil
	}, domain.MutationMetadata{})
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "app_secret", dup.Field)

	found, err := store.FindActive(ctx, domain.LookupBySecret, "secret-one")
	require.NoError(t, err)
	assert.Equal(t, "app-one", found.AppID)
	assertTableCount(t, ctx, wdb, "applications", 2)
	assertTableCount(t, ctx, wdb, "outbox_events", 2)
}

func TestApplicationStoreRejectsInvalidApplication(t *testing.T) {
	ctx := context.Background()
	db, wdb := openTestDB(t)
	store := NewApplicationStore(db)

	app := testApplication("bad")
	app.Name = ""
	app.MaxConnections = 0
	_, err := store.CreateWithEvents(ctx, app, domain.MutationMetadata{})

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "name")
	assert.Contains(t, verr.Fields, "max_connections")
	assertTableCount(t, ctx, wdb, "applications", 0)
}

func TestApplicationStoreUpdate(t *testing.T) {
	ctx := context.Background()
	db, wdb := openTestDB(t)
	store := NewApplicationStore(db)

	_, err := store.CreateWithEvents(ctx, testApplication("one"), domain.MutationMetadata{})
	require.NoError(t, err)

	t.Run("unchanged update writes nothing", func(t *testing.T) {
		_, changed, err := store.UpdateWithEvents(ctx, "app-one", func(app *domain.Application) (bool, error) {
			name := "App one"
			return domain.ApplicationPatch{Name: &name}.Apply(app), nil
		}, domain.MutationMetadata{})
		require.NoError(t, err)
		assert.False(t, changed)
		assertTableCount(t, ctx, wdb, "outbox_events", 1)
	})

	t.Run("identifiers stay fixed", func(t *testing.T) {
		updated, changed, err := store.UpdateWithEvents(ctx, "app-one", func(app *domain.Application) (bool, error) {
			app.AppID = "app-other"
			app.AppKey = "key-other"
			app.MaxConnections = 50
			return true, nil
		}, domain.MutationMetadata{})
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, "app-one", updated.AppID)
		assert.Equal(t, "key-one", updated.AppKey)
		assert.Equal(t, 50, updated.MaxConnections)
		assertTableCount(t, ctx, wdb, "outbox_events", 2)

		var changedJSON string
		require.NoError(t, wdb.QueryRowContext(ctx, "SELECT changed_fields_json FROM audit_events ORDER BY id DESC LIMIT 1").Scan(&changedJSON))
		assert.JSONEq(t, `["max_connections"]`, changedJSON)
	})

	t.Run("missing application", func(t *testing.T) {
		_, _, err := store.UpdateWithEvents(ctx, "app-missing", func(app *domain.Application) (bool, error) {
			return true, nil
		}, domain.MutationMetadata{})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("invalid update rolls back", func(t *testing.T) {
		_, _, err := store.UpdateWithEvents(ctx, "app-one", func(app *domain.Application) (bool, error) {
			app.MaxConnections = 0
			return true, nil
		}, domain.MutationMetadata{})
		assert.ErrorIs(t, err, domain.ErrValidation)

		got, err := store.Get(ctx, "app-one")
		require.NoError(t, err)
		assert.Equal(t, 50, got.MaxConnections)
		assertTableCount(t, ctx, wdb, "outbox_events", 2)
	})
}

func TestApplicationStoreDelete(t *testing.T) {
	ctx := context.Background()
	db, wdb := openTestDB(t)
	store := NewApplicationStore(db)

	_, err := store.CreateWithEvents(ctx, testApplication("one"), domain.MutationMetadata{})
	require.NoError(t, err)

	deleted, err := store.DeleteWithEvents(ctx, "app-one", domain.MutationMetadata{})
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.DeleteWithEvents(ctx, "app-one", domain.MutationMetadata{})
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = store.Get(ctx, "app-one")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assertTableCount(t, ctx, wdb, "outbox_events", 2)
}

func TestApplicationStoreFindActiveSkipsInactive(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	store := NewApplicationStore(db)

	_, err := store.CreateWithEvents(ctx, testApplication("on"), domain.MutationMetadata{})
	require.NoError(t, err)
	off := testApplication("off")
	off.IsActive = false
	_, err = store.CreateWithEvents(ctx, off, domain.MutationMetadata{})
	require.NoError(t, err)

	for _, tc := range []struct {
		field domain.LookupField
		value string
	}{
		{domain.LookupByID, "app-on"},
		{domain.LookupByKey, "key-on"},
		{domain.LookupBySecret, "secret-on"},
	} {
		got, err := store.FindActive(ctx, tc.field, tc.value)
		require.NoError(t, err, tc.field)
		assert.Equal(t, "app-on", got.AppID)
	}

	for _, tc := range []struct {
		field domain.LookupField
		value string
	}{
		{domain.LookupByID, "app-off"},
		{domain.LookupByKey, "key-off"},
		{domain.LookupBySecret, "secret-off"},
		{domain.LookupByID, "app-unknown"},
	} {
		_, err := store.FindActive(ctx, tc.field, tc.value)
		assert.ErrorIs(t, err, domain.ErrNotFound, tc.value)
	}

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "app-on", active[0].AppID)
}

func TestApplicationStoreListFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	store := NewApplicationStore(db)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"alpha", "beta", "gamma"} {
		app := testApplication(id)
		app.IsActive = id != "beta"
		_, err := store.CreateWithEvents(ctx, app, domain.MutationMetadata{OccurredAt: base.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}

	all, err := store.List(ctx, domain.ApplicationFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "app-gamma", all[0].AppID)
	assert.Equal(t, "app-alpha", all[2].AppID)

	active := true
	onlyActive, err := store.List(ctx, domain.ApplicationFilter{Active: &active})
	require.NoError(t, err)
	assert.Len(t, onlyActive, 2)

	search, err := store.List(ctx, domain.ApplicationFilter{Search: "BET"})
	require.NoError(t, err)
	require.Len(t, search, 1)
	assert.Equal(t, "app-beta", search[0].AppID)
}

func TestApplicationStoreOutboxFailureRollsBackMutation(t *testing.T) {
	ctx := context.Background()
	db, wdb := openTestDB(t)
	store := NewApplicationStore(db)

	_, err := store.CreateWithEvents(ctx, testApplication("seed"), domain.MutationMetadata{})
	require.NoError(t, err)

	_, err = wdb.ExecContext(ctx, `
		CREATE TRIGGER trg_fail_outbox_insert
		BEFORE INSERT ON outbox_events
		BEGIN
			SELECT RAISE(ABORT, 'forced outbox failure');
		END;
	`)
	require.NoError(t, err)

	t.Run("create rollback", func(t *testing.T) {
		_, err := store.CreateWithEvents(ctx, testApplication("two"), domain.MutationMetadata{})
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "forced outbox failure"), err.Error())
		assertTableCount(t, ctx, wdb, "applications", 1)
		assertTableCount(t, ctx, wdb, "audit_events", 1)
	})

	t.Run("update rollback", func(t *testing.T) {
		_, _, err := store.UpdateWithEvents(ctx, "app-seed", func(app *domain.Application) (bool, error) {
			app.Name = "renamed"
			return true, nil
		}, domain.MutationMetadata{})
		require.Error(t, err)
		got, err := store.Get(ctx, "app-seed")
		require.NoError(t, err)
		assert.Equal(t, "App seed", got.Name)
	})

	t.Run("delete rollback", func(t *testing.T) {
		deleted, err := store.DeleteWithEvents(ctx, "app-seed", domain.MutationMetadata{})
		require.Error(t, err)
		assert.False(t, deleted)
		assertTableCount(t, ctx, wdb, "applications", 1)
	})

	assertTableCount(t, ctx, wdb, "outbox_events", 1)
}

func TestApplicationStoreMutateErrorAborts(t *testing.T) {
	ctx := context.Background()
	db, wdb := openTestDB(t)
	store := NewApplicationStore(db)

	_, err := store.CreateWithEvents(ctx, testApplication("one"), domain.MutationMetadata{})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, _, err = store.UpdateWithEvents(ctx, "app-one", func(app *domain.Application) (bool, error) {
		app.Name = "changed"
		return true, boom
	}, domain.MutationMetadata{})
	assert.ErrorIs(t, err, boom)
	assertTableCount(t, ctx, wdb, "outbox_events", 1)
}

func assertTableCount(t *testing.T, ctx context.Context, wdb *sql.DB, table string, want int) {
	t.Helper()
	var got int
	row := wdb.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table)
	if err := row.Scan(&got); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	if got != want {
		t.Fatalf("unexpected %s count: got %d want %d", table, got, want)
	}
}
