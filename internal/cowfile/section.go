package cowfile

// section is the in-memory form of one mapping-index section (spec.md
// §3). A section is either resident (mappings != nil) or evicted.
type section struct {
	hasData  bool
	dirty    bool
	usage    uint64
	mappings []uint64 // len == SectionSize when resident, nil when evicted
}

func (s *section) resident() bool { return s.mappings != nil }

// sectionCache owns the full array of section metadata and enforces the
// allowedSects cap via median-refinement eviction (spec.md §4.2).
type sectionCache struct {
	sections  []section
	allocated int
	allowed   int
}

func newSectionCache(totalSects, allowedSects int) *sectionCache {
	return &sectionCache{
		sections: make([]section, totalSects),
		allowed:  allowedSects,
	}
}

// touch increments the usage counter for an access, matching spec.md's
// "increment sects[sect_idx].usage" step shared by read and write.
func (c *sectionCache) touch(idx int) {
	c.sections[idx].usage++
}

// residentMappings returns the mapping array for idx, loading it via
// loader if the section is evicted but has data, or allocating a fresh
// zeroed section if it has never been written. Returns nil when the
// section has no data and resident access isn't required (a pure read of
// an untouched section short-circuits to mapping value 0 without ever
// materializing the section).
func (c *sectionCache) residentMappings(idx int, allocateIfEmpty bool, loader func(idx int) ([]uint64, error)) ([]uint64, error) {
	s := &c.sections[idx]
	if s.resident() {
		return s.mappings, nil
	}
	if !s.hasData {
		if !allocateIfEmpty {
			return nil, nil
		}
		s.mappings = make([]uint64, SectionSize)
		s.hasData = true
		c.allocated++
		return s.mappings, nil
	}
	mappings, err := loader(idx)
	if err != nil {
		return nil, err
	}
	s.mappings = mappings
	c.allocated++
	return s.mappings, nil
}

// needsEviction reports whether an eviction pass must run before the next
// mapping operation completes, per the invariant in spec.md §3:
// "whenever allocated_sects > allowed_sects an eviction pass must run".
func (c *sectionCache) needsEviction() bool {
	return c.allocated > c.allowed
}

// evictionThreshold approximates the median of resident usage counts by
// binary refinement, exactly as spec.md §4.2 describes: start at
// max(usage)/2, halve the granularity each step, and walk thresh up or
// down until the <= / > split balances or granularity reaches 0.
func (c *sectionCache) evictionThreshold() uint64 {
	var maxUsage uint64
	for i := range c.sections {
		if c.sections[i].resident() && c.sections[i].usage > maxUsage {
			maxUsage = c.sections[i].usage
		}
	}
	if maxUsage == 0 {
		return 0
	}
	thresh := maxUsage / 2
	granularity := thresh
	for granularity > 0 {
		granularity /= 2
		var below, above int
		for i := range c.sections {
			if !c.sections[i].resident() {
				continue
			}
			if c.sections[i].usage <= thresh {
				below++
			} else {
				above++
			}
		}
		if below == above {
			break
		}
		if below < above {
			thresh += granularity
		} else {
			thresh -= granularity
		}
	}
	return thresh
}

// evictionCandidate reports whether section idx should be freed at the
// given threshold.
func (c *sectionCache) evictionCandidate(idx int, thresh uint64) bool {
	s := &c.sections[idx]
	return s.resident() && s.usage <= thresh
}

// free drops a section's residency (after syncing it, if dirty, is the
// caller's responsibility) and resets its usage counter.
func (c *sectionCache) free(idx int) {
	s := &c.sections[idx]
	if s.resident() {
		c.allocated--
	}
	s.mappings = nil
}

// resetUsage zeroes every section's usage counter, the final step of an
// eviction pass (spec.md §4.2: "Reset all usage counters to 0 afterward").
func (c *sectionCache) resetUsage() {
	for i := range c.sections {
		c.sections[i].usage = 0
	}
}
