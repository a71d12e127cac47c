package payment

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PriceTable holds per-resource pricing loaded from YAML:
//
//	resources:
//	  tools/call:
//	    price: 1000
//	    description: "One tool invocation"
type PriceTable struct {
	Resources map[string]PriceEntry `yaml:"resources"`
}

type PriceEntry struct {
	Price       uint64 `yaml:"price"`
	Description string `yaml:"description"`
	Asset       string `yaml:"asset"`
}

func LoadPriceTable(path string) (*PriceTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read price table: %v", ErrConfiguration, err)
	}
	return ParsePriceTable(data)
}

func ParsePriceTable(data []byte) (*PriceTable, error) {
	var table PriceTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("%w: invalid price table: %v", ErrConfiguration, err)
	}
	for id, entry := range table.Resources {
		if entry.Price == 0 {
			return nil, fmt.Errorf("%w: price for %q must be positive", ErrConfiguration, id)
		}
	}
	return &table, nil
}

func (pt *PriceTable) Lookup(resourceID string) (PriceEntry, bool) {
	if pt == nil {
		return PriceEntry{}, false
	}
	entry, ok := pt.Resources[resourceID]
	return entry, ok
}
