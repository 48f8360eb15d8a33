package sqlstore

import (
	"fmt"
	"regexp"
	"strings"
)

// Dialect represents a SQL database dialect.
type Dialect string

// Supported database dialects.
const (
	DialectPostgres  Dialect = "postgres"
	DialectMySQL     Dialect = "mysql"
	DialectMariaDB   Dialect = "mariadb"
	DialectSQLite    Dialect = "sqlite"
	DialectOracle    Dialect = "oracle"
	DialectSQLServer Dialect = "sqlserver"
)

var dialects = []Dialect{
	DialectPostgres,
	DialectMySQL,
	DialectMariaDB,
	DialectSQLite,
	DialectOracle,
	DialectSQLServer,
}

// ParseDialect returns the dialect named s, case insensitive.
func ParseDialect(s string) (Dialect, error) {
	for _, d := range dialects {
		if strings.EqualFold(s, string(d)) {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown sql dialect %q", s)
}

// SupportsTwoPhase reports whether the dialect can hold a prepared transaction branch
// that survives until an explicit commit or rollback.
//
// Other dialects run a local transaction: prepare only checks that the connection is
// healthy and commit is a one-phase commit. Such a store must be the last participant
// enlisted, a commit failure on it leaves the transaction in MIXED_FAILURE.
func (d Dialect) SupportsTwoPhase() bool {
	switch d {
	case DialectPostgres, DialectMySQL, DialectMariaDB:
		return true
	default:
		return false
	}
}

// placeholder returns the appropriate SQL placeholder for the given index.
func (d Dialect) placeholder(index int) string {
	switch d {
	case DialectPostgres:
		return fmt.Sprintf("$%d", index)

	case DialectOracle:
		return fmt.Sprintf(":%d", index)

	case DialectSQLServer:
		return fmt.Sprintf("@p%d", index)

	default:
		return "?"
	}
}

func (d Dialect) dropTableQuery(table string) string {
	switch d {
	case DialectOracle:
		// ORA-00942: table or view does not exist
		return fmt.Sprintf(`BEGIN
	EXECUTE IMMEDIATE 'DROP TABLE %s';
EXCEPTION
	WHEN OTHERS THEN
		IF SQLCODE != -942 THEN
			RAISE;
		END IF;
END;`, table)

	default:
		return fmt.Sprintf("DROP TABLE IF EXISTS %s", table)
	}
}

func (d Dialect) createTableQuery(table string) string {
	switch d {
	case DialectOracle:
		return fmt.Sprintf("CREATE TABLE %s (id NUMBER(10) PRIMARY KEY, message_id VARCHAR2(50))", table)

	default:
		return fmt.Sprintf("CREATE TABLE %s (id INTEGER PRIMARY KEY, message_id VARCHAR(50))", table)
	}
}

func (d Dialect) insertMessageQuery(table string) string {
	return fmt.Sprintf("INSERT INTO %s (id, message_id) VALUES (%s, %s)",
		table, d.placeholder(1), d.placeholder(2))
}

var sqlIdentifierRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("table name cannot be empty")
	}
	if !sqlIdentifierRegexp.MatchString(name) {
		return fmt.Errorf(
			"invalid table name %q: must match [a-zA-Z_][a-zA-Z0-9_]*",
			name,
		)
	}
	return nil
}
