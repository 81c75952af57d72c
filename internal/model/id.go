package model

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var runIDRegex = regexp.MustCompile(`^run_[0-9]{10}_[0-9a-f]{8}$`)

// GenerateRunID returns a fresh run ID of the form run_<unix10>_<hex8>.
// The timestamp prefix keeps registry listings roughly chronological
// even when sorted lexically.
func GenerateRunID() string {
	u := uuid.New()
	return fmt.Sprintf("run_%010d_%x", time.Now().Unix(), u[:4])
}

func ValidateRunID(id string) bool {
	return runIDRegex.MatchString(id)
}

// ParseRunIDTimestamp extracts the creation time encoded in a run ID.
func ParseRunIDTimestamp(id string) (time.Time, error) {
	if !ValidateRunID(id) {
		return time.Time{}, fmt.Errorf("invalid run ID format: %s", id)
	}
	tsStr := id[len("run_") : len("run_")+10]
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp from run ID %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}
