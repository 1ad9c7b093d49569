// Package postgres implements the persistence contract on PostgreSQL. Every
// query is tenant scoped and writes that feed counters are single statements
// so concurrent workers can't make them drift.
package postgres

import (
	"github.com/jmoiron/sqlx"
	"github.com/tucanchat/tucan/core/store"
)

// Store is our PostgreSQL backed implementation of store.Store
type Store struct {
	db *sqlx.DB
}

// NewStore creates a new store using the passed in database pool
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

var _ store.Store = (*Store)(nil)
