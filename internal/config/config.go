// Package config centralizes the tunables §4-§5 name as constants,
// letting an operator override them per-instance via the environment. It
// is the one real configuration dependency anywhere in the retrieval pack.
package config

import (
	"fmt"

	"github.com/xyproto/env/v2"

	"ubi/internal/ubilog"
)

// Tunables holds every knob the design calls out by name.
type Tunables struct {
	// IORetries bounds retries of a failed flash read/write (§5, "IO_RETRIES ~ 3").
	IORetries int
	// ProtectionQueueLen is K in §4.C's protection queue.
	ProtectionQueueLen int
	// WLThreshold is the max_ec - min_ec_in_used gap that triggers a wear-level move (§4.C).
	WLThreshold int
	// MaxErroneous is the erroneous-PEB cap beyond which the instance goes read-only (§4.C).
	MaxErroneous int
	// WLMoveRetries is N in §4.C's "torture-erase target and retry with a
	// fresh target; after N failures mark the target erroneous".
	WLMoveRetries int
	// MinSLCLEBs and SLCMLCRatio gate consolidation rearm (§4.E).
	MinSLCLEBs  int
	SLCMLCRatio float64
	// FastmapUserPoolSize and FastmapWLPoolSize size the two fastmap pools (§4.G, §12).
	FastmapUserPoolSize int
	FastmapWLPoolSize   int
	// LogLevel controls internal/ubilog verbosity.
	LogLevel ubilog.Level
}

// Default returns the constants named throughout the design, each
// overridable by an environment variable of the same name prefixed UBI_.
func Default() Tunables {
	return Tunables{
		IORetries:           env.Int("UBI_IO_RETRIES", 3),
		ProtectionQueueLen:  env.Int("UBI_PROT_QUEUE_LEN", 10),
		WLThreshold:         env.Int("UBI_WL_THRESHOLD", 4096),
		MaxErroneous:        env.Int("UBI_MAX_ERRONEOUS", 8),
		WLMoveRetries:       env.Int("UBI_WL_MOVE_RETRIES", 3),
		MinSLCLEBs:          env.Int("UBI_MIN_SLC_LEBS", 4),
		SLCMLCRatio:         envFloat("UBI_MIN_SLC_MLC_RATIO", 1.5),
		FastmapUserPoolSize: env.Int("UBI_FASTMAP_USER_POOL", 8),
		FastmapWLPoolSize:   env.Int("UBI_FASTMAP_WL_POOL", 4),
		LogLevel:            ubilog.ParseLevel(env.Str("UBI_LOG_LEVEL", "info")),
	}
}

func envFloat(key string, fallback float64) float64 {
	if !env.Has(key) {
		return fallback
	}
	// env/v2 has no Float accessor; parse the raw string ourselves for
	// this one knob instead of truncating it through Int.
	var f float64
	if _, err := fmt.Sscanf(env.Str(key), "%g", &f); err != nil {
		return fallback
	}
	return f
}
