package sqlstore

import (
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// Dialect captures the few places PostgreSQL and SQLite disagree.
type Dialect struct {
	// Driver is the database/sql driver name.
	Driver      string
	placeholder func(n int) string
	isDuplicate func(err error) bool
}

var (
	Postgres = Dialect{
		Driver:      "pgx",
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
		isDuplicate: func(err error) bool {
			var pgErr *pgconn.PgError
			return errors.As(err, &pgErr) && pgErr.Code == "23505"
		},
	}

	SQLite = Dialect{
		Driver:      "sqlite3",
		placeholder: func(int) string { return "?" },
		isDuplicate: func(err error) bool {
			var liteErr sqlite3.Error
			if !errors.As(err, &liteErr) {
				return false
			}
			return liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
				liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
		},
	}
)

// DialectFor maps a configured driver name to its dialect.
func DialectFor(name string) (Dialect, error) {
	switch name {
	case "postgres", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return Dialect{}, errors.New("sqlstore: unsupported driver " + strconv.Quote(name))
}

// args numbers placeholders in the order they are appended.
type args struct {
	d      Dialect
	values []any
}

func (a *args) add(v any) string {
	a.values = append(a.values, v)
	return a.d.placeholder(len(a.values))
}
