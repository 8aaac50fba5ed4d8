package session

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

// ErrInvalidState is returned when a payload does not match the state schema.
var ErrInvalidState = errors.New("invalid session state")

//go:embed state.schema.json
var stateSchemaJSON []byte

var (
	stateSchemaOnce sync.Once
	stateSchema     *jsonschema.Schema
	stateSchemaErr  error
)

func loadStateSchema() (*jsonschema.Schema, error) {
	stateSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		stateSchema, stateSchemaErr = compiler.Compile(stateSchemaJSON)
		if stateSchemaErr != nil {
			stateSchemaErr = fmt.Errorf("compile state schema: %w", stateSchemaErr)
		}
	})
	return stateSchema, stateSchemaErr
}

// ValidateStateJSON checks data against the embedded state schema.
func ValidateStateJSON(data []byte) error {
	schema, err := loadStateSchema()
	if err != nil {
		return err
	}
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidState, result.Errors)
}

// DecodeState validates data and decodes it. The activity log is
// renormalised so a foreign writer cannot break the ordering invariant.
func DecodeState(data []byte) (*State, error) {
	if err := ValidateStateJSON(data); err != nil {
		return nil, err
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	s.setActivities(s.Activities)
	return &s, nil
}
