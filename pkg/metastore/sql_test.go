package metastore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyweave/envelope"
)

var fixedCreated = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC).Unix()

func newMockMetastore(t *testing.T) (*SQLMetastore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	return NewSQLMetastore(db), mock
}

func TestSQLMetastore_Load_Found(t *testing.T) {
	m, mock := newMockMetastore(t)

	record := `{"Created":1735732800,"Key":"c29tZWJ5dGVz"}`

	mock.ExpectQuery(`SELECT key_record FROM encryption_key WHERE id = \? AND created = \?`).
		WithArgs("_SK_svc_prod", time.Unix(fixedCreated, 0)).
		WillReturnRows(sqlmock.NewRows([]string{"key_record"}).AddRow(record))

	ekr, err := m.Load(context.Background(), "_SK_svc_prod", fixedCreated)
	require.NoError(t, err)
	require.NotNil(t, ekr)
	assert.Equal(t, int64(1735732800), ekr.Created)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMetastore_Load_NotFound(t *testing.T) {
	m, mock := newMockMetastore(t)

	mock.ExpectQuery(`SELECT key_record FROM encryption_key WHERE id = \? AND created = \?`).
		WithArgs("_SK_svc_prod", time.Unix(fixedCreated, 0)).
		WillReturnError(sql.ErrNoRows)

	ekr, err := m.Load(context.Background(), "_SK_svc_prod", fixedCreated)
	require.NoError(t, err)
	assert.Nil(t, ekr)
}

func TestSQLMetastore_LoadLatest(t *testing.T) {
	m, mock := newMockMetastore(t)

	record := `{"Created":1735732800,"Key":"c29tZWJ5dGVz"}`

	mock.ExpectQuery(`SELECT key_record FROM encryption_key WHERE id = \? ORDER BY created DESC LIMIT 1`).
		WithArgs("_SK_svc_prod").
		WillReturnRows(sqlmock.NewRows([]string{"key_record"}).AddRow(record))

	ekr, err := m.LoadLatest(context.Background(), "_SK_svc_prod")
	require.NoError(t, err)
	require.NotNil(t, ekr)
	assert.Equal(t, int64(1735732800), ekr.Created)
}

func TestSQLMetastore_Load_MalformedJSON(t *testing.T) {
	m, mock := newMockMetastore(t)

	mock.ExpectQuery(`SELECT key_record FROM encryption_key WHERE id = \? AND created = \?`).
		WithArgs("_SK_svc_prod", time.Unix(fixedCreated, 0)).
		WillReturnRows(sqlmock.NewRows([]string{"key_record"}).AddRow("not json"))

	_, err := m.Load(context.Background(), "_SK_svc_prod", fixedCreated)
	assert.Error(t, err)
}

func TestSQLMetastore_Store_Success(t *testing.T) {
	m, mock := newMockMetastore(t)

	mock.ExpectExec(`INSERT INTO encryption_key \(id, created, key_record\) VALUES \(\?, \?, \?\)`).
		WithArgs("_SK_svc_prod", time.Unix(fixedCreated, 0), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	ok, err := m.Store(context.Background(), "_SK_svc_prod", fixedCreated, &envelope.EnvelopeKeyRecord{Created: fixedCreated})
	require.NoError(t, err)
	assert.True(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMetastore_Store_DuplicateReportsAsError(t *testing.T) {
	m, mock := newMockMetastore(t)

	mock.ExpectExec(`INSERT INTO encryption_key`).
		WithArgs("_SK_svc_prod", time.Unix(fixedCreated, 0), sqlmock.AnyArg()).
		WillReturnError(assert.AnError)

	ok, err := m.Store(context.Background(), "_SK_svc_prod", fixedCreated, &envelope.EnvelopeKeyRecord{Created: fixedCreated})
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestDBType_Q_RewritesPlaceholders(t *testing.T) {
	assert.Equal(t, "SELECT $1, $2", Postgres.q("SELECT ?, ?"))
	assert.Equal(t, "SELECT :1, :2", Oracle.q("SELECT ?, ?"))
	assert.Equal(t, "SELECT ?, ?", MySQL.q("SELECT ?, ?"))
}

func TestWithDBType_RewritesConfiguredQueries(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := NewSQLMetastore(db, WithDBType(Postgres))

	assert.Contains(t, m.loadKeyQuery, "$1")
	assert.Contains(t, m.storeKeyQuery, "$1")
	assert.Contains(t, m.loadLatestQuery, "$1")
}
