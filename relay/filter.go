package relay

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// GlobFilter filters change events using glob patterns
type GlobFilter struct {
	tableGlobs    []glob.Glob
	databaseGlobs []glob.Glob
}

// NewGlobFilter creates a new glob-based filter.
// Empty patterns match everything. Oracle reports names upper-cased, so
// patterns are compared case-insensitively.
func NewGlobFilter(tablePatterns, dbPatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		tableGlobs:    make([]glob.Glob, 0, len(tablePatterns)),
		databaseGlobs: make([]glob.Glob, 0, len(dbPatterns)),
	}

	for _, pattern := range tablePatterns {
		g, err := glob.Compile(strings.ToUpper(pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", pattern, err)
		}
		filter.tableGlobs = append(filter.tableGlobs, g)
	}

	for _, pattern := range dbPatterns {
		g, err := glob.Compile(strings.ToUpper(pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid database pattern %q: %w", pattern, err)
		}
		filter.databaseGlobs = append(filter.databaseGlobs, g)
	}

	return filter, nil
}

// Match returns true if the database and table match the configured patterns.
// Events without a table only pass when no table patterns are configured.
func (f *GlobFilter) Match(database, table string) bool {
	if !matchAny(f.databaseGlobs, strings.ToUpper(database)) {
		return false
	}
	return matchAny(f.tableGlobs, strings.ToUpper(table))
}

func matchAny(globs []glob.Glob, s string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
