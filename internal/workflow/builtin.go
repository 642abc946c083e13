package workflow

import (
	"embed"
	"encoding/json"
	"fmt"
	"sync"
)

//go:embed data/builtin_types.json
var embeddedBuiltins embed.FS

type builtinTable struct {
	Version int      `json:"version"`
	Types   []string `json:"types"`
}

var (
	builtinOnce sync.Once
	builtinSet  map[string]struct{}
	builtinErr  error
)

// LoadBuiltinTypes parses the embedded builtin node type table.
func LoadBuiltinTypes() ([]string, error) {
	if err := loadBuiltins(); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(builtinSet))
	for t := range builtinSet {
		out = append(out, t)
	}
	return out, nil
}

func loadBuiltins() error {
	builtinOnce.Do(func() {
		payload, err := embeddedBuiltins.ReadFile("data/builtin_types.json")
		if err != nil {
			builtinErr = fmt.Errorf("read embedded builtin table failed: %w", err)
			return
		}
		var table builtinTable
		if err := json.Unmarshal(payload, &table); err != nil {
			builtinErr = fmt.Errorf("parse embedded builtin table failed: %w", err)
			return
		}
		set := make(map[string]struct{}, len(table.Types))
		for _, t := range table.Types {
			set[t] = struct{}{}
		}
		builtinSet = set
	})
	return builtinErr
}

// IsBuiltin reports whether the node type ships with the host application.
func IsBuiltin(nodeType string) bool {
	if err := loadBuiltins(); err != nil {
		return false
	}
	_, ok := builtinSet[nodeType]
	return ok
}
