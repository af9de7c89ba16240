package fetcher

import (
	"encoding/hex"
	"strings"
)

// Registration size limits.
const (
	MaxAttributionFilters            = 50
	MaxValuesPerAttributionFilter    = 50
	MaxBytesPerAttributionFilterText = 25
	MaxFilterMapsPerFilterSet        = 5

	MaxAggregateKeysPerRegistration = 50
	MaxBytesPerAggregateKeyID       = 25
	MinAggregateKeyPieceLength      = 3
	MaxAggregateKeyPieceLength      = 34

	MaxWebDestinations            = 3
	MaxEventTriggerData           = 10
	MaxAggregatableTriggerData    = 50
	MaxAggregateDeduplicationKeys = 50
)

// IsValidFilterMap checks one filter map: at most 50 keys of at most 25
// bytes, each mapping to at most 50 scalar values of at most 25 bytes.
func IsValidFilterMap(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	if len(m) > MaxAttributionFilters {
		return false
	}
	for key, raw := range m {
		if len(key) > MaxBytesPerAttributionFilterText {
			return false
		}
		values, ok := raw.([]any)
		if !ok {
			return false
		}
		if len(values) > MaxValuesPerAttributionFilter {
			return false
		}
		for _, value := range values {
			s, ok := scalarString(value)
			if !ok || len(s) > MaxBytesPerAttributionFilterText {
				return false
			}
		}
	}
	return true
}

// AreValidFilterSet checks an array of at most 5 valid filter maps.
func AreValidFilterSet(set []any) bool {
	if len(set) > MaxFilterMapsPerFilterSet {
		return false
	}
	for _, m := range set {
		if !IsValidFilterMap(m) {
			return false
		}
	}
	return true
}

// IsValidAggregateKeyID checks a non-empty key id of at most 25 bytes.
func IsValidAggregateKeyID(id string) bool {
	return id != "" && len(id) <= MaxBytesPerAggregateKeyID
}

// IsValidAggregateKeyPiece checks a 0x-prefixed hex string of 3 to 34 characters.
func IsValidAggregateKeyPiece(piece string) bool {
	if len(piece) < MinAggregateKeyPieceLength || len(piece) > MaxAggregateKeyPieceLength {
		return false
	}
	if !strings.HasPrefix(piece, "0x") && !strings.HasPrefix(piece, "0X") {
		return false
	}
	digits := piece[2:]
	if len(digits)%2 == 1 {
		digits = "0" + digits
	}
	_, err := hex.DecodeString(digits)
	return err == nil
}
