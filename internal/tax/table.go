package tax

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zombor/invoice-poster/internal/scan"
)

// Table maps a base field to its VAT product posting group
type Table map[scan.Key]string

// DefaultTable returns the built-in posting group codes
func DefaultTable() Table {
	return Table{
		scan.KeyI2: "OBS-ISEN",
		scan.KeyI3: "OBS-RDZ",
		scan.KeyK3: "OBSND-RDZA",
		scan.KeyI5: "OBS-INT",
		scan.KeyI7: "OBS-NOR",
		scan.KeyJ7: "OBS-NORMAD",
	}
}

// tableFile is the on-disk shape of a posting group override:
//
//	posting_groups:
//	  I2: OBS-ISEN
//	  J3: OBS-RDZ-AC
type tableFile struct {
	PostingGroups map[string]string `yaml:"posting_groups"`
}

// LoadTable reads posting group overrides from a YAML file and merges them
// over the defaults. An empty value removes the code for that field.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading posting group table: %w", err)
	}

	var file tableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing posting group table: %w", err)
	}

	table := DefaultTable()
	for k, code := range file.PostingGroups {
		key := scan.Key(strings.ToUpper(strings.TrimSpace(k)))
		if !isBaseField(key) {
			return nil, fmt.Errorf("posting group table: %q is not a base amount field", k)
		}
		code = strings.TrimSpace(code)
		if code == "" {
			delete(table, key)
			continue
		}
		table[key] = code
	}
	return table, nil
}

func isBaseField(k scan.Key) bool {
	for _, b := range Brackets {
		for _, base := range b.Base {
			if base == k {
				return true
			}
		}
	}
	return false
}
