package cache

import (
	"fmt"
	"sort"
	"strings"
)

// Key templates. Their exact shape is shared with other readers of the
// cache and must not change.
const (
	searchTemplate = "products_search_%s_%s_%d"
	allTemplate    = "%s_all"
)

// FilterAll is the filter segment used when no store set is given.
const FilterAll = "all"

// SearchKey renders products_search_{term}_{filter}_{bound}.
func SearchKey(term, filter string, bound int) string {
	return fmt.Sprintf(searchTemplate, term, filter, bound)
}

// AllKey renders {kind}_all.
func AllKey(kind string) string {
	return fmt.Sprintf(allTemplate, kind)
}

// ComparisonKey addresses a comparison for part across stores. The part is
// trimmed and upper-cased; store names are trimmed, lower-cased, deduplicated
// and sorted, so equivalent requests share a key. The bound is the number of
// distinct stores.
func ComparisonKey(part string, stores []string) string {
	term := strings.ToUpper(strings.TrimSpace(part))

	seen := make(map[string]bool, len(stores))
	names := make([]string, 0, len(stores))
	for _, s := range stores {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		names = append(names, s)
	}
	if len(names) == 0 {
		return SearchKey(term, FilterAll, 0)
	}
	sort.Strings(names)
	return SearchKey(term, strings.Join(names, ","), len(names))
}
