package cowfile

import "testing"

func TestSectionCacheAllocateOnWrite(t *testing.T) {
	c := newSectionCache(4, 2)
	loader := func(idx int) ([]uint64, error) {
		t.Fatalf("loader should not be called for a never-written section")
		return nil, nil
	}
	mappings, err := c.residentMappings(0, true, loader)
	if err != nil {
		t.Fatalf("residentMappings: %v", err)
	}
	if len(mappings) != SectionSize {
		t.Fatalf("len(mappings) = %d, want %d", len(mappings), SectionSize)
	}
	if c.allocated != 1 {
		t.Fatalf("allocated = %d, want 1", c.allocated)
	}
}

func TestSectionCacheReadMissReturnsNil(t *testing.T) {
	c := newSectionCache(4, 2)
	mappings, err := c.residentMappings(1, false, nil)
	if err != nil {
		t.Fatalf("residentMappings: %v", err)
	}
	if mappings != nil {
		t.Fatalf("expected nil mappings for untouched section, got %v", mappings)
	}
	if c.allocated != 0 {
		t.Fatalf("allocated = %d, want 0", c.allocated)
	}
}

func TestSectionCacheLoaderOnEvictedHasData(t *testing.T) {
	c := newSectionCache(4, 2)
	c.sections[2].hasData = true
	calls := 0
	loader := func(idx int) ([]uint64, error) {
		calls++
		return make([]uint64, SectionSize), nil
	}
	if _, err := c.residentMappings(2, false, loader); err != nil {
		t.Fatalf("residentMappings: %v", err)
	}
	if calls != 1 {
		t.Fatalf("loader calls = %d, want 1", calls)
	}
	if c.allocated != 1 {
		t.Fatalf("allocated = %d, want 1", c.allocated)
	}
}

func TestSectionCacheNeedsEviction(t *testing.T) {
	c := newSectionCache(4, 2)
	for i := 0; i < 3; i++ {
		if _, err := c.residentMappings(i, true, nil); err != nil {
			t.Fatalf("residentMappings: %v", err)
		}
	}
	if !c.needsEviction() {
		t.Fatal("expected needsEviction true after exceeding allowed")
	}
}

func TestEvictionThresholdSplitsUsage(t *testing.T) {
	c := newSectionCache(4, 2)
	for i := 0; i < 4; i++ {
		if _, err := c.residentMappings(i, true, nil); err != nil {
			t.Fatalf("residentMappings: %v", err)
		}
	}
	c.sections[0].usage = 1
	c.sections[1].usage = 2
	c.sections[2].usage = 10
	c.sections[3].usage = 20

	thresh := c.evictionThreshold()

	var below, above int
	for i := range c.sections {
		if c.sections[i].usage <= thresh {
			below++
		} else {
			above++
		}
	}
	if below == 0 || above == 0 {
		t.Fatalf("expected threshold to split usage into both groups, got below=%d above=%d thresh=%d", below, above, thresh)
	}
}

func TestFreeDecrementsAllocated(t *testing.T) {
	c := newSectionCache(4, 2)
	if _, err := c.residentMappings(0, true, nil); err != nil {
		t.Fatalf("residentMappings: %v", err)
	}
	if c.allocated != 1 {
		t.Fatalf("allocated = %d, want 1", c.allocated)
	}
	c.free(0)
	if c.allocated != 0 {
		t.Fatalf("allocated = %d after free, want 0", c.allocated)
	}
	if c.sections[0].resident() {
		t.Fatal("expected section to be non-resident after free")
	}
}

func TestResetUsage(t *testing.T) {
	c := newSectionCache(2, 2)
	c.touch(0)
	c.touch(0)
	c.touch(1)
	c.resetUsage()
	if c.sections[0].usage != 0 || c.sections[1].usage != 0 {
		t.Fatal("expected all usage counters reset to 0")
	}
}
