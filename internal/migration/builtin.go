package migration

import "fmt"

func (f *Framework) registerBuiltins() {
	f.register(Step{
		From:        "0.7.0",
		To:          "0.8.0",
		Description: "add workspaceRoot defaulting to the process working directory",
		Reversible:  true,
		Apply: func(raw map[string]any) (map[string]any, error) {
			if _, ok := raw["workspaceRoot"]; !ok {
				raw["workspaceRoot"] = f.workspaceRoot()
			}
			return raw, nil
		},
		Validate: requireKeys("workspaceRoot"),
	})

	f.register(Step{
		From:        "0.8.0",
		To:          "0.9.0",
		Description: "add empty contextFiles and tags arrays",
		Reversible:  true,
		Apply: func(raw map[string]any) (map[string]any, error) {
			if _, ok := raw["contextFiles"]; !ok {
				raw["contextFiles"] = []any{}
			}
			if _, ok := raw["tags"]; !ok {
				raw["tags"] = []any{}
			}
			return raw, nil
		},
		Validate: requireKeys("contextFiles", "tags"),
	})

	f.register(Step{
		From:        "0.9.0",
		To:          "1.0.0",
		Description: "add empty filesAccessed, null title and notes",
		Reversible:  true,
		Apply: func(raw map[string]any) (map[string]any, error) {
			if _, ok := raw["filesAccessed"]; !ok {
				raw["filesAccessed"] = []any{}
			}
			if _, ok := raw["title"]; !ok {
				raw["title"] = nil
			}
			if _, ok := raw["notes"]; !ok {
				raw["notes"] = nil
			}
			return raw, nil
		},
		Validate: requireKeys("filesAccessed"),
	})
}

func (f *Framework) register(step Step) {
	f.steps[step.From] = step
}

func requireKeys(keys ...string) func(map[string]any) error {
	return func(raw map[string]any) error {
		for _, key := range keys {
			if _, ok := raw[key]; !ok {
				return fmt.Errorf("missing %q after migration", key)
			}
		}
		return nil
	}
}
