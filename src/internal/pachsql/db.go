// Package pachsql holds the SQL types used throughout troverepo.
package pachsql

import (
	"github.com/jmoiron/sqlx"
)

const (
	ProtocolPostgres = "postgres"
)

// DB is an alias for sqlx.DB which is the standard database type used throughout the project
type DB = sqlx.DB

// Tx is an alias for sqlx.Tx which is the standard transaction type used throughout the project
type Tx = sqlx.Tx
