package sqlstore

import (
	"database/sql"
	"fmt"
	"strings"
)

// Dialect holds everything that differs between the SQL backends.
// Queries in this package are written with "?" placeholders and passed
// through Rebind before execution.
type Dialect struct {
	Name string

	// Rebind rewrites "?" placeholders into the backend's form.
	Rebind func(query string) string

	// ArrayOverlap returns a boolean SQL expression that is true when the
	// JSON array stored under key in column shares an element with n
	// placeholder arguments.
	ArrayOverlap func(column, key string, n int) string

	IsUniqueViolation      func(err error) bool
	IsSerializationFailure func(err error) bool

	// TxOptions are used for every WithTx call.
	TxOptions *sql.TxOptions
}

func (d Dialect) validate() error {
	if d.Rebind == nil || d.ArrayOverlap == nil {
		return fmt.Errorf("sqlstore: dialect %q is incomplete", d.Name)
	}
	if d.IsUniqueViolation == nil || d.IsSerializationFailure == nil {
		return fmt.Errorf("sqlstore: dialect %q has no error classifiers", d.Name)
	}
	return nil
}

// QuestionMarks leaves queries untouched.
func QuestionMarks(query string) string { return query }

// DollarNumbers rewrites "?" into "$1", "$2", ...
func DollarNumbers(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Placeholders returns "?, ?, ..." with n marks.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
