package eventstore

import (
	"encoding/json"

	"github.com/taskflow/taskflow/internal/model"
)

// registerTaskReducers installs the default reducers for the task aggregate.
func registerTaskReducers(s *Service) {
	s.RegisterReducer(model.EventTaskCreated, func(state map[string]any, rec model.EventRecord) map[string]any {
		next := decode(rec.EventData)
		next["version"] = rec.Version
		return next
	})

	s.RegisterReducer(model.EventTaskUpdated, func(state map[string]any, rec model.EventRecord) map[string]any {
		for k, v := range decode(rec.EventData) {
			state[k] = v
		}
		state["version"] = rec.Version
		return state
	})

	s.RegisterReducer(model.EventTaskStatusChanged, func(state map[string]any, rec model.EventRecord) map[string]any {
		data := decode(rec.EventData)
		if v, ok := data["newStatus"]; ok {
			state["status"] = v
		}
		state["version"] = rec.Version
		return state
	})
}

func decode(raw json.RawMessage) map[string]any {
	out := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return out
}
