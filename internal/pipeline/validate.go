package pipeline

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/rowanalpha/ranksync/internal/model"
)

// Validator checks fetched payloads and normalizes them into observations.
// The zero value is ready to use.
type Validator struct {
	// Now supplies the substitute timestamp when the provider's updatedAt is
	// missing or unparseable. Defaults to time.Now. Malformed timestamps are
	// deliberately not a rejection: a ranking with a bad date is still worth
	// recording.
	Now func() time.Time
}

// Validate checks a raw provider payload and returns the normalized
// observation, or a rejection error describing the first failed check.
func (v *Validator) Validate(payload json.RawMessage) (model.Observation, error) {
	var record map[string]any
	if err := json.Unmarshal(payload, &record); err != nil || record == nil {
		return model.Observation{}, eris.New("validate: payload is not a structured record")
	}

	value, ok := numericValue(record["zacksRank"])
	if !ok {
		return model.Observation{}, eris.New("validate: zacksRank missing or not numeric")
	}

	label, ok := record["zacksRankText"].(string)
	if !ok || label == "" {
		return model.Observation{}, eris.New("validate: zacksRankText missing")
	}

	return model.Observation{
		Label:      label,
		Value:      value,
		ObservedAt: v.observedAt(record["updatedAt"]),
	}, nil
}

// numericValue accepts the rank both ways the feed serves it: as a bare JSON
// number or as a quoted numeric string.
func numericValue(raw any) (int, bool) {
	switch val := raw.(type) {
	case float64:
		return int(val), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

var observedAtLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// observedAt normalizes the provider timestamp, substituting the current
// time when it is absent or unparseable.
func (v *Validator) observedAt(raw any) time.Time {
	now := v.Now
	if now == nil {
		now = time.Now
	}

	switch val := raw.(type) {
	case string:
		for _, layout := range observedAtLayouts {
			if t, err := time.Parse(layout, val); err == nil {
				return t.UTC()
			}
		}
		if n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64); err == nil {
			return epochTime(n)
		}
		return now().UTC()
	case float64:
		return epochTime(int64(val))
	default:
		return now().UTC()
	}
}

// epochTime interprets n as Unix milliseconds when it is too large to be a
// plausible seconds value.
func epochTime(n int64) time.Time {
	if n >= 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
