package cowsnap

import (
	"github.com/gin-gonic/gin"

	"github.com/dattobd/cowsnap/internal/statusapi"
)

// statusAPIAdapter satisfies statusapi.InfoProvider over an *Engine,
// converting between the two packages' identical-shaped InfoRecord types
// (kept distinct so internal/statusapi doesn't import the root package).
type statusAPIAdapter struct {
	engine *Engine
}

// NewStatusAPIRouter builds the gin router serving GET /info and
// GET /info/:minor for engine (spec.md §6's status endpoint).
func NewStatusAPIRouter(engine *Engine) *gin.Engine {
	return statusapi.NewRouter(&statusAPIAdapter{engine: engine})
}

func (a *statusAPIAdapter) Info(minor int) (statusapi.InfoRecord, error) {
	rec, err := a.engine.Info(minor)
	if err != nil {
		return statusapi.InfoRecord{}, err
	}
	return toStatusAPIRecord(rec), nil
}

func (a *statusAPIAdapter) InfoAll() []statusapi.InfoRecord {
	all := a.engine.InfoAll()
	out := make([]statusapi.InfoRecord, len(all))
	for i, rec := range all {
		out[i] = toStatusAPIRecord(rec)
	}
	return out
}

func toStatusAPIRecord(rec InfoRecord) statusapi.InfoRecord {
	return statusapi.InfoRecord{
		Minor:           rec.Minor,
		State:           rec.State,
		BaseDevicePath:  rec.BaseDevicePath,
		COWFile:         rec.COWFile,
		CacheSizeBytes:  rec.CacheSizeBytes,
		FallocatedBytes: rec.FallocatedBytes,
		Seqid:           rec.Seqid,
		UUID:            rec.UUID,
		Version:         rec.Version,
		NrChangedBlocks: rec.NrChangedBlocks,
		Error:           rec.Error,
	}
}
