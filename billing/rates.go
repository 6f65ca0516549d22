package billing

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultRates apply to vehicle types the configuration does not mention.
// A type missing from both is rejected; no type borrows another's rate.
var DefaultRates = map[string]decimal.Decimal{
	"car":        decimal.NewFromInt(5000),
	"motorcycle": decimal.NewFromInt(2000),
	"truck":      decimal.NewFromInt(10000),
	"bus":        decimal.NewFromInt(10000),
}

type RateTable struct {
	rates map[string]decimal.Decimal
}

func NormalizeType(vehicleType string) string {
	return strings.ToLower(strings.TrimSpace(vehicleType))
}

// NewRateTable builds a table from configured rates. Keys are normalised and
// negative rates are rejected.
func NewRateTable(configured map[string]decimal.Decimal) (*RateTable, error) {
	rates := make(map[string]decimal.Decimal, len(configured))
	for vehicleType, rate := range configured {
		key := NormalizeType(vehicleType)
		if key == "" {
			return nil, fmt.Errorf("empty vehicle type in rate table")
		}
		if rate.IsNegative() {
			return nil, fmt.Errorf("%s: %w", key, ErrNegativeRate)
		}
		rates[key] = rate
	}
	return &RateTable{rates: rates}, nil
}

// Resolve returns the hourly rate of vehicleType: the configured rate when
// present, otherwise the DefaultRates entry.
func (t *RateTable) Resolve(vehicleType string) (decimal.Decimal, error) {
	key := NormalizeType(vehicleType)
	if rate, ok := t.rates[key]; ok {
		return rate, nil
	}
	if rate, ok := DefaultRates[key]; ok {
		return rate, nil
	}
	return decimal.Zero, fmt.Errorf("%q: %w", vehicleType, ErrUnknownVehicleType)
}

// Quote prices a stay of vehicleType from entry to exit.
func (t *RateTable) Quote(vehicleType string, entry, exit time.Time) (decimal.Decimal, error) {
	rate, err := t.Resolve(vehicleType)
	if err != nil {
		return decimal.Zero, err
	}
	return CalculateFee(entry, exit, rate)
}

// Types lists every vehicle type the table can price.
func (t *RateTable) Types() []string {
	seen := make(map[string]struct{}, len(t.rates)+len(DefaultRates))
	for k := range t.rates {
		seen[k] = struct{}{}
	}
	for k := range DefaultRates {
		seen[k] = struct{}{}
	}
	types := make([]string, 0, len(seen))
	for k := range seen {
		types = append(types, k)
	}
	sort.Strings(types)
	return types
}

type rateFile struct {
	Rates map[string]string `yaml:"rates"`
}

// ParseRatesYAML reads a document of the form
//
//	rates:
//	  car: "5000"
//	  motorcycle: 2000
func ParseRatesYAML(data []byte) (map[string]decimal.Decimal, error) {
	var f rateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rates: %w", err)
	}
	rates := make(map[string]decimal.Decimal, len(f.Rates))
	for vehicleType, raw := range f.Rates {
		rate, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("rate for %s: %w", vehicleType, err)
		}
		rates[vehicleType] = rate
	}
	return rates, nil
}

// ParseRatesList reads "car=5000,motorcycle=2000".
func ParseRatesList(s string) (map[string]decimal.Decimal, error) {
	rates := make(map[string]decimal.Decimal)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		vehicleType, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed rate %q, expected type=amount", pair)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("rate for %s: %w", vehicleType, err)
		}
		rates[strings.TrimSpace(vehicleType)] = rate
	}
	return rates, nil
}

// LoadRateTable merges the YAML file at path (optional) with the list in
// env (optional); list entries win.
func LoadRateTable(path, list string) (*RateTable, error) {
	configured := make(map[string]decimal.Decimal)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		fromFile, err := ParseRatesYAML(data)
		if err != nil {
			return nil, err
		}
		for k, v := range fromFile {
			configured[NormalizeType(k)] = v
		}
	}
	if list != "" {
		fromList, err := ParseRatesList(list)
		if err != nil {
			return nil, err
		}
		for k, v := range fromList {
			configured[NormalizeType(k)] = v
		}
	}
	return NewRateTable(configured)
}
