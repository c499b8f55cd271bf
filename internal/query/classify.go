// Package query executes statements on pooled SQL Server connections,
// either buffering every result set or streaming rows as they arrive.
package query

import (
	"regexp"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Kind tells how a statement's outcome is reported.
type Kind int

const (
	// KindRead statements produce result sets.
	KindRead Kind = iota
	// KindModify statements (INSERT, UPDATE, DELETE) report an affected-row
	// count and no rows.
	KindModify
)

func (k Kind) String() string {
	if k == KindModify {
		return "modify"
	}
	return "read"
}

var modifyPattern = regexp.MustCompile(`(?i)^\s*\b(insert|update|delete)\b`)

// Classify reports whether sql modifies data.
func Classify(sql string) Kind {
	if modifyPattern.MatchString(sql) {
		return KindModify
	}
	return KindRead
}

// DefaultClassifierSize is the number of statements a Classifier remembers.
const DefaultClassifierSize = 256

// Classifier memoizes Classify for recently seen statements.
type Classifier struct {
	cache *lru.Cache[string, Kind]
}

// NewClassifier returns a classifier remembering up to size statements.
func NewClassifier(size int) (*Classifier, error) {
	if size <= 0 {
		size = DefaultClassifierSize
	}
	cache, err := lru.New[string, Kind](size)
	if err != nil {
		return nil, err
	}
	return &Classifier{cache: cache}, nil
}

// Classify returns the cached kind of sql, computing it on a miss.
func (c *Classifier) Classify(sql string) Kind {
	if k, ok := c.cache.Get(sql); ok {
		return k
	}
	k := Classify(sql)
	c.cache.Add(sql, k)
	return k
}

// Len returns the number of cached statements.
func (c *Classifier) Len() int {
	return c.cache.Len()
}
