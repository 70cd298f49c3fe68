// Package statusapi exposes the engine's per-device Info records over
// HTTP (spec.md §6's "Info JSON (for the status endpoint)"), grounded on
// the gin usage in SharedCode/sop's HTTP surfaces.
package statusapi

import (
	"encoding/hex"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// InfoProvider is the subset of cowsnap.Engine the router needs, kept
// narrow so this package doesn't import the root module (avoiding an
// import cycle: the root package wires this router, not the other way
// around).
type InfoProvider interface {
	Info(minor int) (InfoRecord, error)
	InfoAll() []InfoRecord
}

// InfoRecord mirrors cowsnap.InfoRecord's JSON shape. Kept as a distinct
// type (rather than importing the root package) for the same reason as
// InfoProvider; the router's caller is responsible for the one-line
// field-for-field conversion.
type InfoRecord struct {
	Minor           int
	State           string
	BaseDevicePath  string
	COWFile         string
	CacheSizeBytes  int64
	FallocatedBytes int64
	Seqid           uint64
	UUID            [16]byte
	Version         uint64
	NrChangedBlocks uint64
	Error           string
}

type deviceJSON struct {
	Minor           int    `json:"minor"`
	State           string `json:"state"`
	BlockDevice     string `json:"block_device"`
	COWFile         string `json:"cow_file"`
	MaxCache        int64  `json:"max_cache"`
	Fallocate       int64  `json:"fallocate"`
	SeqID           uint64 `json:"seq_id"`
	UUID            string `json:"uuid"`
	Version         uint64 `json:"version"`
	NrChangedBlocks uint64 `json:"nr_changed_blocks"`
	Error           string `json:"error,omitempty"`
}

func toJSON(r InfoRecord) deviceJSON {
	return deviceJSON{
		Minor:           r.Minor,
		State:           r.State,
		BlockDevice:     r.BaseDevicePath,
		COWFile:         r.COWFile,
		MaxCache:        r.CacheSizeBytes,
		Fallocate:       r.FallocatedBytes,
		SeqID:           r.Seqid,
		UUID:            hex.EncodeToString(r.UUID[:]),
		Version:         r.Version,
		NrChangedBlocks: r.NrChangedBlocks,
		Error:           r.Error,
	}
}

// Version is stamped into the top-level status response; set by the
// caller at build/startup time (e.g. from a linker-injected value).
var Version = "dev"

// NewRouter builds the gin router for GET /info and GET /info/:minor,
// matching spec.md §6's Info JSON shape ({version, devices:[...]}).
func NewRouter(engine InfoProvider) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/info", func(c *gin.Context) {
		all := engine.InfoAll()
		devices := make([]deviceJSON, 0, len(all))
		for _, rec := range all {
			devices = append(devices, toJSON(rec))
		}
		c.JSON(http.StatusOK, gin.H{
			"version": Version,
			"devices": devices,
		})
	})

	r.GET("/info/:minor", func(c *gin.Context) {
		minor, err := strconv.Atoi(c.Param("minor"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid minor"})
			return
		}
		rec, err := engine.Info(minor)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"version": Version,
			"device":  toJSON(rec),
		})
	})

	return r
}
