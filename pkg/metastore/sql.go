// Package metastore provides Metastore implementations for the envelope
// package: an in-memory store for tests, a database/sql-backed store for
// relational databases, and a DynamoDB store for multi-region deployments
// (spec §4.6, §4.7).
package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/keyweave/envelope"
)

const (
	defaultLoadKeyQuery    = "SELECT key_record FROM encryption_key WHERE id = ? AND created = ?"
	defaultStoreKeyQuery   = "INSERT INTO encryption_key (id, created, key_record) VALUES (?, ?, ?)"
	defaultLoadLatestQuery = "SELECT key_record FROM encryption_key WHERE id = ? ORDER BY created DESC LIMIT 1"
)

var (
	_ envelope.Metastore = (*SQLMetastore)(nil)

	storeSQLTimer      = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.sql.store", envelope.MetricsPrefix), nil)
	loadSQLTimer       = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.sql.load", envelope.MetricsPrefix), nil)
	loadLatestSQLTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.sql.loadlatest", envelope.MetricsPrefix), nil)
)

// DBType identifies the placeholder syntax a SQLMetastore should emit.
type DBType string

const (
	Postgres DBType = "postgres"
	Oracle   DBType = "oracle"
	MySQL    DBType = "mysql"

	DefaultDBType = MySQL
)

var qrx = regexp.MustCompile(`\?`)

// q rewrites "?" placeholders to $1, $2, ... on Postgres or :1, :2, ... on Oracle.
func (t DBType) q(query string) string {
	var pref string

	switch t {
	case Postgres:
		pref = "$"
	case Oracle:
		pref = ":"
	default:
		return query
	}

	n := 0

	return qrx.ReplaceAllStringFunc(query, func(string) string {
		n++
		return pref + strconv.Itoa(n)
	})
}

// SQLMetastoreOption configures a SQLMetastore.
type SQLMetastoreOption func(*SQLMetastore)

// WithDBType selects the placeholder syntax used for the configured driver family.
func WithDBType(t DBType) SQLMetastoreOption {
	return func(s *SQLMetastore) {
		s.dbType = t
		s.loadKeyQuery = t.q(s.loadKeyQuery)
		s.storeKeyQuery = t.q(s.storeKeyQuery)
		s.loadLatestQuery = t.q(s.loadLatestQuery)
	}
}

// SQLMetastore implements envelope.Metastore against a database/sql.DB, one
// row per EnvelopeKeyRecord keyed by (id, created) with the record itself
// stored as a JSON blob (spec §4.6 RDBMS reference layout).
type SQLMetastore struct {
	db *sql.DB

	dbType          DBType
	loadKeyQuery    string
	storeKeyQuery   string
	loadLatestQuery string
}

// NewSQLMetastore wraps an existing *sql.DB connection pool. The caller owns
// the DB's lifecycle; closing it is not this type's responsibility.
func NewSQLMetastore(db *sql.DB, opts ...SQLMetastoreOption) *SQLMetastore {
	m := &SQLMetastore{
		db:              db,
		dbType:          DefaultDBType,
		loadKeyQuery:    defaultLoadKeyQuery,
		storeKeyQuery:   defaultStoreKeyQuery,
		loadLatestQuery: defaultLoadLatestQuery,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

type scanner interface {
	Scan(v ...interface{}) error
}

func parseEnvelope(s scanner) (*envelope.EnvelopeKeyRecord, error) {
	var keyRecordJSON string

	if err := s.Scan(&keyRecordJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, errors.Wrap(err, "error from scanner")
	}

	var ekr *envelope.EnvelopeKeyRecord
	if err := json.Unmarshal([]byte(keyRecordJSON), &ekr); err != nil {
		return nil, errors.Wrap(err, "unable to unmarshal key record")
	}

	return ekr, nil
}

// Load implements envelope.Metastore.
func (s *SQLMetastore) Load(ctx context.Context, keyID string, created int64) (*envelope.EnvelopeKeyRecord, error) {
	defer loadSQLTimer.UpdateSince(time.Now())

	return parseEnvelope(s.db.QueryRowContext(ctx, s.loadKeyQuery, keyID, time.Unix(created, 0)))
}

// LoadLatest implements envelope.Metastore.
func (s *SQLMetastore) LoadLatest(ctx context.Context, keyID string) (*envelope.EnvelopeKeyRecord, error) {
	defer loadLatestSQLTimer.UpdateSince(time.Now())

	return parseEnvelope(s.db.QueryRowContext(ctx, s.loadLatestQuery, keyID))
}

// Store implements envelope.Metastore. database/sql exposes no portable way
// to distinguish a duplicate-key violation from any other insert failure, so
// any error is reported as (false, err) and the caller treats both an
// explicit duplicate and an unrelated I/O failure as "didn't win the write".
func (s *SQLMetastore) Store(ctx context.Context, keyID string, created int64, ekr *envelope.EnvelopeKeyRecord) (bool, error) {
	defer storeSQLTimer.UpdateSince(time.Now())

	b, err := json.Marshal(ekr)
	if err != nil {
		return false, errors.Wrap(err, "error marshaling envelope key record")
	}

	if _, err := s.db.ExecContext(ctx, s.storeKeyQuery, keyID, time.Unix(created, 0), string(b)); err != nil {
		return false, errors.Wrapf(err, "error storing key: %s, %d", keyID, created)
	}

	return true, nil
}
