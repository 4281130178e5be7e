// Package fx resolves historical exchange rates for ledger conversions.
package fx

import (
	"errors"
	"fmt"
	"strings"
)

// MissingRatePolicy decides what aggregate conversions do when a rate is absent.
type MissingRatePolicy string

const (
	// MissingRateFail aborts the conversion with ErrRateMissing.
	MissingRateFail MissingRatePolicy = "fail"
	// MissingRateSkip leaves the amount out and reports it as skipped.
	MissingRateSkip MissingRatePolicy = "skip"
)

// ParsePolicy normalises a configured policy value.
func ParsePolicy(raw string) (MissingRatePolicy, error) {
	switch p := MissingRatePolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case MissingRateFail, MissingRateSkip:
		return p, nil
	case "":
		return MissingRateFail, nil
	}
	return "", fmt.Errorf("fx: unknown missing rate policy %q", raw)
}

var (
	// ErrRateMissing indicates no rate exists at or before the requested date.
	ErrRateMissing = errors.New("fx: exchange rate missing")
	// ErrInvalidRate indicates a non-positive rate.
	ErrInvalidRate = errors.New("fx: exchange rate must be positive")
)
