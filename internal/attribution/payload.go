package attribution

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
)

var ErrNotObject = errors.New("attribution: payload is not a JSON object")

// Normalize converts an SDK-style payload into the string map the gate works
// with. Nil values are dropped; nested objects and arrays are kept as JSON.
func Normalize(payload map[string]any) map[string]string {
	out := make(map[string]string, len(payload))
	for key, value := range payload {
		switch v := value.(type) {
		case nil:
			continue
		case string:
			out[key] = v
		case json.Number:
			out[key] = v.String()
		case map[string]any, []any:
			raw, err := json.Marshal(v)
			if err != nil {
				continue
			}
			out[key] = string(raw)
		default:
			out[key] = fmt.Sprint(v)
		}
	}
	return out
}

// DecodeObject reads one JSON object from r. Numbers keep their textual form.
func DecodeObject(r io.Reader) (map[string]any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if payload == nil {
		return nil, ErrNotObject
	}
	return payload, nil
}

// ReceiveJSON decodes raw and normalises it.
func ReceiveJSON(raw []byte) (map[string]string, error) {
	payload, err := DecodeObject(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	return Normalize(payload), nil
}

// FailurePayload is what the collector receives when the attribution SDK
// reports an error instead of conversion data.
func FailurePayload(err error) map[string]string {
	return map[string]string{
		"error":             "true",
		"error_description": err.Error(),
	}
}

// Merge returns tracking with every navigation key added as deep_<key>,
// unless tracking already has that key.
func Merge(tracking, navigation map[string]string) map[string]string {
	result := make(map[string]string, len(tracking)+len(navigation))
	for k, v := range tracking {
		result[k] = v
	}
	for k, v := range navigation {
		prefixed := NavigationPrefix + k
		if _, exists := result[prefixed]; !exists {
			result[prefixed] = v
		}
	}
	return result
}

const NavigationPrefix = "deep_"

// FillGaps returns tracking with every navigation key it lacks copied over
// unchanged. The organic re-fetch uses it instead of Merge.
func FillGaps(tracking, navigation map[string]string) map[string]string {
	result := maps.Clone(tracking)
	if result == nil {
		result = make(map[string]string, len(navigation))
	}
	for k, v := range navigation {
		if _, exists := result[k]; !exists {
			result[k] = v
		}
	}
	return result
}

// IsOrganic reports whether the install was not attributed to a campaign.
func IsOrganic(tracking map[string]string) bool {
	return tracking["af_status"] == "Organic"
}
