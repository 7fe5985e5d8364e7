// Package runner adapts individual database backends behind one uniform
// execution interface. Each backend contributes a driver and a native-type
// map; rows are normalized to a small set of portable types before they
// cross into the scheduling core.
package runner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Type is the portable column type enumeration. Adapters normalize
// backend-native type codes to one of these before rows leave the adapter.
type Type string

const (
	TypeInteger  Type = "integer"
	TypeFloat    Type = "float"
	TypeBoolean  Type = "boolean"
	TypeString   Type = "string"
	TypeDate     Type = "date"
	TypeDatetime Type = "datetime"
)

type Column struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

type Row = map[string]any

// Result is the normalized output of one execution.
type Result struct {
	Columns []Column `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// Table describes one table for schema browsing.
type Table struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

// Runner executes query text against one backend.
//
// Execute honors ctx cancellation and deadlines; callers bound each run
// with context.WithTimeout.
type Runner interface {
	Kind() string
	Execute(ctx context.Context, query string) (*Result, error)
	Schema(ctx context.Context) (map[string]Table, error)
	Close() error
}

// backend bundles what a database/sql-based adapter needs: the registered
// driver name, the native-type map and a schema introspection routine.
type backend struct {
	kind    string
	driver  string
	typeMap map[string]Type
	schema  schemaFunc
}

var (
	regMu    sync.Mutex
	backends = map[string]backend{}
)

func register(b backend) {
	regMu.Lock()
	backends[b.kind] = b
	regMu.Unlock()
}

// Kinds lists the registered backend kinds, sorted.
func Kinds() []string {
	regMu.Lock()
	out := make([]string, 0, len(backends))
	for k := range backends {
		out = append(out, k)
	}
	regMu.Unlock()
	sort.Strings(out)
	return out
}

// Open creates a runner for the given backend kind and DSN.
// The underlying pool is lazy; connectivity errors surface on first Execute.
func Open(kind, dsn string) (Runner, error) {
	regMu.Lock()
	b, ok := backends[strings.ToLower(strings.TrimSpace(kind))]
	regMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown data source kind %q (have: %s)", kind, strings.Join(Kinds(), ", "))
	}
	return openSQL(b, dsn)
}
