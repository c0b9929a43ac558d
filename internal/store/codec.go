package store

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"

	"depthnotes/gate/internal/attribution"
)

// encodeMap serialises a string map as a JSON object.
func encodeMap(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeMap accepts any JSON object and stringifies its values, so records
// written by other clients with numeric or boolean values still load.
func decodeMap(raw string) (map[string]string, bool) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var generic map[string]any
	if err := dec.Decode(&generic); err != nil || generic == nil {
		return nil, false
	}
	return attribution.Normalize(generic), true
}

// obfuscate hides the navigation payload from plain substring scans. It is
// base64 with '=' and '+' swapped for '|' and '~'; it is not encryption.
func obfuscate(plain string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(plain))
	encoded = strings.ReplaceAll(encoded, "=", "|")
	return strings.ReplaceAll(encoded, "+", "~")
}

func deobfuscate(encoded string) (string, bool) {
	raw := strings.ReplaceAll(encoded, "|", "=")
	raw = strings.ReplaceAll(raw, "~", "+")
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", false
	}
	if !isUTF8JSONish(data) {
		return "", false
	}
	return string(data), true
}

func isUTF8JSONish(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
