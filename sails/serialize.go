package sails

import (
	"encoding/json"
	"fmt"
)

// blueprint responses come in three shapes:
// - a bare record object
// - a record array
// - a keyed envelope {"<model>": [...]}
// normalize all of them to a record list
func NormalizeResponse(model string, body []byte) ([]Record, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	return normalizeValue(model, raw)
}

func normalizeValue(model string, raw any) ([]Record, error) {
	switch v := raw.(type) {
	case map[string]any:
		if _, ok := v["id"]; ok {
			return []Record{Record(v)}, nil
		}
		if envelope, ok := v[model]; ok {
			return normalizeValue(model, envelope)
		}
		return nil, fmt.Errorf("cannot normalize object payload for %s", model)
	case []any:
		records := make([]Record, 0, len(v))
		for _, item := range v {
			object, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("cannot normalize array item for %s", model)
			}
			records = append(records, Record(object))
		}
		return records, nil
	default:
		return nil, fmt.Errorf("cannot normalize payload for %s", model)
	}
}

// normalize a single-record response. an array payload with exactly one
// record is accepted, since some blueprints respond to find-one with a list
func NormalizeRecord(model string, body []byte) (Record, error) {
	records, err := NormalizeResponse(model, body)
	if err != nil {
		return nil, err
	}
	if len(records) != 1 {
		return nil, fmt.Errorf("expected one %s record, got %d", model, len(records))
	}
	return records[0], nil
}
