package scheduling

import (
	"encoding/json"
	"fmt"
)

const extensionName = "chaoshub"

// preparePayload returns a deep copy of the experiment payload carrying a
// chaoshub extension that points back at the experiment. An existing
// chaoshub extension is updated in place; other extensions are kept.
func preparePayload(exp Experiment) (map[string]any, error) {
	raw, err := json.Marshal(exp.Payload)
	if err != nil {
		return nil, fmt.Errorf("copy experiment payload: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("copy experiment payload: %w", err)
	}
	if payload == nil {
		payload = map[string]any{}
	}

	ext := map[string]any{
		"name":       extensionName,
		"experiment": exp.ID,
		"workspace":  exp.WorkspaceID,
		"org":        exp.OrgID,
	}

	list, _ := payload["extensions"].([]any)
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok || m["name"] != extensionName {
			continue
		}
		for k, v := range ext {
			m[k] = v
		}
		return payload, nil
	}
	payload["extensions"] = append(list, ext)
	return payload, nil
}
