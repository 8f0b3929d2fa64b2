// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dbclient

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/multigres/asyncpool/go/mterrors"
)

// Dialect knows how to reach one kind of database through database/sql.
type Dialect interface {
	// Name is the value of the driver setting selecting this dialect.
	Name() string

	// DriverName is the database/sql driver to open.
	DriverName() string

	// DSN builds the data source name for cfg. Pre-connect options
	// (charset, idle timeout, ...) are encoded here.
	DSN(cfg Config) (string, error)

	// SupportsCompression reports whether the Compress option is honoured.
	SupportsCompression() bool

	// Classify sorts driver specific errors. It returns ok=false when it
	// does not recognise err.
	Classify(err error) (class mterrors.Class, ok bool)
}

var (
	dialectsMu sync.RWMutex
	dialects   = make(map[string]Dialect)
)

// RegisterDialect makes d available under d.Name(). Registering a name twice
// replaces the previous dialect.
func RegisterDialect(d Dialect) {
	dialectsMu.Lock()
	defer dialectsMu.Unlock()
	dialects[d.Name()] = d
}

// LookupDialect returns the dialect registered under name.
func LookupDialect(name string) (Dialect, error) {
	dialectsMu.RLock()
	defer dialectsMu.RUnlock()

	d, ok := dialects[name]
	if !ok {
		return nil, fmt.Errorf("unknown driver %q (available: %s)", name, strings.Join(dialectNamesLocked(), ", "))
	}
	return d, nil
}

// DialectNames returns the registered dialect names, sorted.
func DialectNames() []string {
	dialectsMu.RLock()
	defer dialectsMu.RUnlock()
	return dialectNamesLocked()
}

func dialectNamesLocked() []string {
	names := make([]string, 0, len(dialects))
	for name := range dialects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterDialect(mysqlDialect{})
	RegisterDialect(postgresDialect{})
	RegisterDialect(sqliteDialect{})
}

// Classify returns the class of err as reported through d. Broken
// connections are recognised the same way for every driver.
func Classify(d Dialect, err error) mterrors.Class {
	if err == nil {
		return mterrors.Fatal
	}

	var classified *mterrors.Error
	if errors.As(err, &classified) {
		return classified.Class
	}

	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return mterrors.TransientDisconnect
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return mterrors.TransientDisconnect
	}

	if d != nil {
		if class, ok := d.Classify(err); ok {
			return class
		}
	}

	return mterrors.ClassOf(err)
}

// rowKeywords are the leading keywords of statements that produce a result
// set.
var rowKeywords = map[string]bool{
	"SELECT":   true,
	"SHOW":     true,
	"WITH":     true,
	"VALUES":   true,
	"EXPLAIN":  true,
	"DESCRIBE": true,
	"DESC":     true,
	"PRAGMA":   true,
	"TABLE":    true,
}

// ReturnsRows reports whether query produces a result set. database/sql
// needs to know up front whether to run Query or Exec.
func ReturnsRows(query string) bool {
	q := skipComments(query)
	end := strings.IndexFunc(q, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	})
	if end < 0 {
		end = len(q)
	}
	if rowKeywords[strings.ToUpper(q[:end])] {
		return true
	}
	return strings.Contains(strings.ToUpper(q), " RETURNING ")
}

// skipComments drops leading whitespace and SQL comments.
func skipComments(q string) string {
	for {
		q = strings.TrimLeft(q, " \t\r\n(")
		switch {
		case strings.HasPrefix(q, "--"), strings.HasPrefix(q, "#"):
			i := strings.IndexByte(q, '\n')
			if i < 0 {
				return ""
			}
			q = q[i+1:]
		case strings.HasPrefix(q, "/*"):
			i := strings.Index(q, "*/")
			if i < 0 {
				return ""
			}
			q = q[i+2:]
		default:
			return q
		}
	}
}

// ceilSeconds rounds d up to whole seconds, with a floor of one, for server
// options that only take seconds.
func ceilSeconds(d time.Duration) int {
	return max(int(math.Ceil(d.Seconds())), 1)
}
