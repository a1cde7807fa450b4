package common

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// SourceDateEpoch reads SOURCE_DATE_EPOCH from the environment, returning
// (epoch, true, nil) if it was set and well-formed, (0, false, nil) if unset,
// and an error if it was set but not a valid non-negative integer.
func SourceDateEpoch() (time.Time, bool, error) {
	raw, ok := os.LookupEnv("SOURCE_DATE_EPOCH")
	if !ok || raw == "" {
		return time.Time{}, false, nil
	}

	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs < 0 {
		return time.Time{}, false, fmt.Errorf("parsing SOURCE_DATE_EPOCH %q: %w", raw, err)
	}

	return time.Unix(secs, 0).UTC(), true, nil
}

// NormalizeMtime returns epoch if set, else the fallback mtime, truncated to
// whole seconds (tar and OCI timestamps are second-granular).
func NormalizeMtime(epoch time.Time, epochSet bool, fallback time.Time) time.Time {
	if epochSet {
		return epoch
	}
	return fallback.Truncate(time.Second)
}
