package params

import (
	"bytes"
	"encoding/json"
	"strings"
)

// FromJSON bulk-imports a JSON object. Nested objects recurse into
// subgroups; string and integer leaves are stored as string values. Every
// other value type (floats, booleans, arrays, null) is silently skipped;
// this permissive behavior is part of the import contract.
func (pm *Map) FromJSON(data []byte, clearBefore, replace bool) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return err
	}

	if clearBefore {
		pm.Clear()
	}
	pm.fromJSONObject(doc, replace)
	pm.afterWrite()
	return nil
}

func (pm *Map) fromJSONObject(doc map[string]interface{}, replace bool) {
	for k, v := range doc {
		switch vv := v.(type) {
		case map[string]interface{}:
			pm.Subgroup(k).fromJSONObject(vv, replace)
		case string:
			pm.importLeaf(k, vv, replace)
		case json.Number:
			// Only integers are accepted; anything with a fraction or
			// exponent is skipped like every other unsupported type.
			if isIntegerNumber(vv) {
				pm.importLeaf(k, vv.String(), replace)
			}
		}
	}
}

func isIntegerNumber(n json.Number) bool {
	s := n.String()
	return !strings.ContainsAny(s, ".eE")
}

// importLeaf writes a single imported value without triggering a commit;
// the caller makes one commit decision for the whole import.
func (pm *Map) importLeaf(name, value string, replace bool) {
	key := pm.prefix + name

	pm.arena.mu.Lock()
	defer pm.arena.mu.Unlock()
	if _, exists := pm.arena.values[key]; replace || !exists {
		pm.arena.values[key] = value
	}
}
