package resolve

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

//go:embed data/pack_signatures.json
var embeddedSignatures embed.FS

type signatureTable struct {
	Version    int                 `json:"version"`
	Signatures map[string][]string `json:"signatures"`
}

var (
	sigOnce sync.Once
	sigData map[string][]string
	sigErr  error
)

func loadEmbeddedSignatures() (map[string][]string, error) {
	sigOnce.Do(func() {
		payload, err := embeddedSignatures.ReadFile("data/pack_signatures.json")
		if err != nil {
			sigErr = fmt.Errorf("read embedded signature table failed: %w", err)
			return
		}
		table, err := parseSignatures(payload)
		if err != nil {
			sigErr = err
			return
		}
		sigData = table
	})
	if sigErr != nil {
		return nil, sigErr
	}
	return sigData, nil
}

// LoadSignatures returns the node-type signature table. A non-empty path
// replaces the embedded table wholesale.
func LoadSignatures(path string) (map[string][]string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return loadEmbeddedSignatures()
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signature table %s: %w", path, err)
	}
	return parseSignatures(payload)
}

func parseSignatures(payload []byte) (map[string][]string, error) {
	var table signatureTable
	if err := json.Unmarshal(payload, &table); err != nil {
		return nil, fmt.Errorf("parse signature table failed: %w", err)
	}
	out := make(map[string][]string, len(table.Signatures))
	for typ, ids := range table.Signatures {
		typ = strings.TrimSpace(typ)
		if typ == "" {
			continue
		}
		var clean []string
		for _, id := range ids {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			clean = append(clean, id)
		}
		if len(clean) > 0 {
			out[typ] = clean
		}
	}
	return out, nil
}
