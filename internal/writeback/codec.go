package writeback

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Encode serializes a record for the memory store.
func Encode(rec contracts.DecisionRecord) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode decision record %s: %w", rec.CycleID, err)
	}
	return b, nil
}

// Decode parses a record written by Encode.
func Decode(b []byte) (contracts.DecisionRecord, error) {
	var rec contracts.DecisionRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, fmt.Errorf("decode decision record: %w", err)
	}
	return rec, nil
}
