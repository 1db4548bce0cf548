package alert

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jnarwell/wit-sub006/pkg/cache"
)

const (
	maxPatternLength = 500
	maxPatternGroups = 20
	maxPatternDepth  = 5
)

// Fragments with nested quantifiers that backtrack badly in most engines.
// The heuristic is not exhaustive.
var dangerousFragments = []string{
	`(\w+)*\w`,
	`(\w*)+`,
	`(a+)+`,
	`([a-zA-Z]+)*`,
	`(\d+)*\d`,
	`(.*)*`,
	`(.+)+`,
	`(\s+)*\s`,
	`([^,]+)*[^,]`,
}

// regexCache compiles patterns once and keeps the most recently used.
type regexCache struct {
	lru *cache.LRU[string, *regexp.Regexp]
}

func newRegexCache(size int) (*regexCache, error) {
	lru, err := cache.NewLRU[string, *regexp.Regexp](size)
	if err != nil {
		return nil, err
	}
	return &regexCache{lru: lru}, nil
}

func (c *regexCache) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := c.lru.Get(pattern); ok {
		return re, nil
	}
	if err := checkComplexity(pattern); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	c.lru.Set(pattern, re)
	return re, nil
}

// checkComplexity rejects patterns likely to be expensive to evaluate.
func checkComplexity(pattern string) error {
	if len(pattern) > maxPatternLength {
		return fmt.Errorf("regex too long (max %d chars): %d chars", maxPatternLength, len(pattern))
	}
	for _, fragment := range dangerousFragments {
		if strings.Contains(pattern, fragment) {
			return fmt.Errorf("regex contains nested quantifiers: %s", fragment)
		}
	}
	for rest := pattern; ; {
		i := strings.IndexByte(rest, '{')
		if i < 0 {
			break
		}
		rest = rest[i+1:]
		var n int
		if _, err := fmt.Sscanf(rest, "%d", &n); err == nil && n >= 1000 {
			return fmt.Errorf("regex repetition count %d is too large", n)
		}
	}
	if strings.Count(pattern, "(") > maxPatternGroups {
		return fmt.Errorf("regex has too many groups (max %d)", maxPatternGroups)
	}
	depth, deepest := 0, 0
	for _, ch := range pattern {
		switch ch {
		case '(':
			depth++
			deepest = max(deepest, depth)
		case ')':
			depth--
		}
	}
	if deepest > maxPatternDepth {
		return fmt.Errorf("regex nesting depth %d exceeds %d", deepest, maxPatternDepth)
	}
	return nil
}
