package expressions

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/procman/internal/orchestration"
)

// Top-level variables of the instance view.
const (
	ViewInstance    = "instance"
	ViewParameter   = "parameter"
	ViewCustomState = "custom_state"
)

// BuildView returns the data a custom query sees for inst. The instance entry
// is the instance's JSON form decoded into plain maps, so every engine
// observes the same shapes and number types.
func BuildView(inst *orchestration.Instance) (map[string]any, error) {
	raw, err := json.Marshal(inst)
	if err != nil {
		return nil, fmt.Errorf("marshal instance %s: %w", inst.ID(), err)
	}
	var instance map[string]any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", inst.ID(), err)
	}

	parameter, err := inst.Parameter().Decode()
	if err != nil {
		return nil, fmt.Errorf("decode parameter of %s: %w", inst.ID(), err)
	}
	customState, err := inst.CustomState().Decode()
	if err != nil {
		return nil, fmt.Errorf("decode custom state of %s: %w", inst.ID(), err)
	}

	return map[string]any{
		ViewInstance:    instance,
		ViewParameter:   parameter,
		ViewCustomState: customState,
	}, nil
}
