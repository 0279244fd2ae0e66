package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewFilename builds the dropzone filename for one export attempt:
// sales_order_{draft_id}_{YYYYMMDD_HHMMSSZ}_{uuid4_short}.json.
// uuid4_short is the first 8 hex chars of a fresh identifier, so two attempts
// in the same second still differ.
func NewFilename(draftID uuid.UUID, now time.Time) string {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("sales_order_%s_%s_%s.json",
		draftID, now.UTC().Format("20060102_150405Z"), short)
}

// AckKind classifies a file in the ack directory.
type AckKind int

const (
	AckNone AckKind = iota
	AckSuccess
	AckError
)

// ParseAckFilename splits an ack-directory entry into its kind and the export
// filename it refers to. Non-ack files return AckNone.
func ParseAckFilename(name string) (AckKind, string) {
	if !strings.HasSuffix(name, ".json") {
		return AckNone, ""
	}
	if rest, ok := strings.CutPrefix(name, "ack_"); ok {
		return AckSuccess, rest
	}
	if rest, ok := strings.CutPrefix(name, "error_"); ok {
		return AckError, rest
	}
	return AckNone, ""
}

// DraftIDFromFilename extracts the draft identifier embedded in an export
// filename.
func DraftIDFromFilename(filename string) (uuid.UUID, bool) {
	rest, ok := strings.CutPrefix(filename, "sales_order_")
	if !ok || len(rest) < 36 {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(rest[:36])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
