//go:build cgo

package sqlstore

// go-libsql is a cgo package; it registers the "libsql" driver used by
// openHosted.
import _ "github.com/tursodatabase/go-libsql"
