package rules

import (
	"fmt"
	"hash/fnv"
	"sort"
)

// Fingerprint returns a 64-bit hash over the sequence (name, version,
// enabled) sorted by name, used by external callers to detect reloads
// (spec §4.1 matching protocol step 4). It is a pure function of the
// sequence: two runs over the same rules produce the same value.
func (s *Set) Fingerprint() uint64 {
	names := make([]string, 0, len(s.rules))
	byName := make(map[string]Rule, len(s.rules))
	for _, r := range s.rules {
		names = append(names, r.Name)
		byName[r.Name] = r
	}
	sort.Strings(names)

	h := fnv.New64a()
	for _, name := range names {
		r := byName[name]
		fmt.Fprintf(h, "%s|%d|%t\n", r.Name, r.Version, r.Enabled)
	}
	return h.Sum64()
}
