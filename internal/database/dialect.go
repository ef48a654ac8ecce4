package database

import (
	"strconv"
	"strings"
)

// dialect captures the few places where SQLite and Postgres SQL differ.
type dialect int

const (
	sqliteDialect dialect = iota
	postgresDialect
)

func parseDialect(driver string) (dialect, bool) {
	switch driver {
	case "", "sqlite":
		return sqliteDialect, true
	case "postgres":
		return postgresDialect, true
	}
	return 0, false
}

func (d dialect) String() string {
	if d == postgresDialect {
		return "postgres"
	}
	return "sqlite"
}

// rebind rewrites ? placeholders to $n for Postgres. Queries in this package
// never contain a literal question mark.
func (d dialect) rebind(query string) string {
	if d != postgresDialect {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// ddl expands the dialect tokens used in migrations.
func (d dialect) ddl(stmt string) string {
	var r *strings.Replacer
	if d == postgresDialect {
		r = strings.NewReplacer(
			"{{serial}}", "BIGSERIAL PRIMARY KEY",
			"{{create_view}}", "CREATE OR REPLACE VIEW",
		)
	} else {
		r = strings.NewReplacer(
			"{{serial}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
			"{{create_view}}", "CREATE VIEW IF NOT EXISTS",
		)
	}
	return r.Replace(stmt)
}
