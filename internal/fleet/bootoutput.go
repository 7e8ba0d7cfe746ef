package fleet

import "encoding/json"

// parseBootOutput decodes a boot program's captured stdout as a flat
// JSON object of string keys to string values -- the attribute pairs
// it wants merged into its service's exported bag. An empty stdout
// yields no attributes and no error; a non-JSON stdout yields a
// ConfigError, which the service logs without failing the boot.
func parseBootOutput(stdout string) ([]Attr, error) {
	trimmed := stdout
	for len(trimmed) > 0 && (trimmed[0] == '\n' || trimmed[0] == '\r' || trimmed[0] == ' ' || trimmed[0] == '\t') {
		trimmed = trimmed[1:]
	}
	if trimmed == "" {
		return nil, nil
	}

	var raw map[string]string
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, &ConfigError{Msg: "boot program output is not a flat JSON object of strings: " + err.Error()}
	}

	attrs := make([]Attr, 0, len(raw))
	for k, v := range raw {
		attrs = append(attrs, Attr{Key: k, Value: v})
	}
	return attrs, nil
}
