package matching

import "sort"

// FindCandidate selects the best match for seeker from the given pool
// snapshot. It is a pure function (no side effects, no randomness) so it
// can be invoked both eagerly on join and from the periodic sweep without
// risk of double-matching; actual commitment happens in the service.
//
// Selection, in strict priority order:
//
//  1. Drop the seeker itself (any entry with the same user ID), entries
//     with a different mode, and bidirectionally excluded pairs: either
//     party having the other in its exclusion set disqualifies the pair.
//  2. Among the rest, pick the candidate with the largest topic overlap;
//     ties go to the earliest-joined (lowest Seq). The snapshot is in FIFO
//     order, so the first candidate holding the maximum wins.
//  3. If no candidate shares a topic and the seeker declares a seniority
//     label, pick the first candidate in pool order with the same label.
//  4. Otherwise pick the first remaining candidate in pool order, so no
//     one waits forever once any compatible peer exists.
//
// Returns nil only when the filtered candidate set is empty.
func FindCandidate(seeker *Entry, pool []*Entry) *Entry {
	candidates := make([]*Entry, 0, len(pool))
	for _, c := range pool {
		if c == seeker || c.UserID == seeker.UserID {
			continue
		}
		if c.Mode != seeker.Mode {
			continue
		}
		if seeker.IsExcluded(c.UserID) || c.IsExcluded(seeker.UserID) {
			continue
		}
		candidates = append(candidates, c)
	}

	if len(candidates) == 0 {
		return nil
	}

	var best *Entry
	bestOverlap := 0
	for _, c := range candidates {
		if n := overlapCount(seeker.Topics, c.Topics); n > bestOverlap {
			bestOverlap = n
			best = c
		}
	}
	if best != nil {
		return best
	}

	if seeker.Seniority != "" {
		for _, c := range candidates {
			if c.Seniority == seeker.Seniority {
				return c
			}
		}
	}

	return candidates[0]
}

// SharedTopics returns the sorted intersection of two topic sets.
func SharedTopics(a, b []string) []string {
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}

	shared := make([]string, 0)
	seen := make(map[string]struct{})
	for _, t := range b {
		if _, ok := set[t]; !ok {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		shared = append(shared, t)
	}
	sort.Strings(shared)
	return shared
}

func overlapCount(a, b []string) int {
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}

	n := 0
	for _, t := range b {
		if _, ok := set[t]; ok {
			n++
			delete(set, t)
		}
	}
	return n
}
