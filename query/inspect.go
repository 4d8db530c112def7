// Package query inspects SQL registered on a change notification
// subscription. Only queries are accepted for query change notification;
// everything else is rejected before it reaches the database.
package query

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rqlite/sql"
	"github.com/rs/zerolog/log"
)

// DefaultCacheSize is the number of distinct SQL texts whose inspection is cached.
const DefaultCacheSize = 512

// ErrNotSelect is returned for statements that cannot be registered.
var ErrNotSelect = errors.New("only SELECT statements can be registered")

// Info describes one SQL text.
type Info struct {
	// Parsed is false when the SQL uses syntax the parser does not know.
	// Such statements are passed through to the database unchecked.
	Parsed   bool
	IsSelect bool
	// Tables referenced by the statement, upper-cased, in first-seen order.
	Tables []string
}

// Inspector parses SQL once per distinct text.
type Inspector struct {
	cache *lru.Cache[uint64, *Info]
}

// NewInspector creates an inspector caching up to size results.
func NewInspector(size int) (*Inspector, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[uint64, *Info](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}
	return &Inspector{cache: cache}, nil
}

// Inspect returns the parsed view of sqlText. The result is shared and must
// not be modified.
func (i *Inspector) Inspect(sqlText string) *Info {
	hash := xxhash.Sum64String(sqlText)
	if cached, ok := i.cache.Get(hash); ok {
		return cached
	}

	info := &Info{}
	stmt, err := sql.NewParser(strings.NewReader(sqlText)).ParseStatement()
	if err != nil {
		log.Debug().Err(err).Str("sql", sqlText).Msg("Query not understood by parser, skipping inspection")
	} else {
		info.Parsed = true
		if sel, ok := stmt.(*sql.SelectStatement); ok {
			info.IsSelect = true
			info.Tables = referencedTables(sel)
		}
	}

	i.cache.Add(hash, info)
	return info
}

// Validate rejects statements that parse and are not SELECTs.
func (i *Inspector) Validate(sqlText string) error {
	info := i.Inspect(sqlText)
	if info.Parsed && !info.IsSelect {
		return ErrNotSelect
	}
	return nil
}

// tableCollector implements sql.Visitor, recording every table source.
type tableCollector struct {
	seen   map[string]bool
	tables []string
}

func (c *tableCollector) Visit(node sql.Node) (sql.Visitor, sql.Node, error) {
	if n, ok := node.(*sql.QualifiedTableName); ok && n.Name != nil {
		name := strings.ToUpper(n.Name.Name)
		if !c.seen[name] {
			c.seen[name] = true
			c.tables = append(c.tables, name)
		}
	}
	return c, node, nil
}

func (c *tableCollector) VisitEnd(node sql.Node) (sql.Node, error) {
	return node, nil
}

func referencedTables(stmt sql.Statement) []string {
	c := &tableCollector{seen: make(map[string]bool)}
	sql.Walk(c, stmt)
	return c.tables
}
