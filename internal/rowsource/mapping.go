package rowsource

import (
	"os"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Mapping declares how a vendor file's layout maps onto ticker and name
// columns. The zero value means standard headers with a comma delimiter.
type Mapping struct {
	TickerAliases []string `yaml:"ticker_aliases"`
	NameAliases   []string `yaml:"name_aliases"`
	Delimiter     string   `yaml:"delimiter"`
	Sheet         string   `yaml:"sheet"`
	NoHeader      bool     `yaml:"no_header"`
}

// DefaultMapping returns the header mapping used when no sidecar file is
// given.
func DefaultMapping() Mapping {
	return Mapping{
		TickerAliases: []string{"ticker", "symbol"},
		NameAliases:   []string{"name", "company", "company name"},
	}
}

// LoadMapping reads a mapping sidecar from a YAML file. Alias lists left
// empty in the file fall back to the defaults.
func LoadMapping(path string) (Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Mapping{}, eris.Wrapf(err, "rowsource: read mapping %s", path)
	}

	var m Mapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Mapping{}, eris.Wrap(err, "rowsource: parse mapping")
	}

	return m.withDefaults(), nil
}

func (m Mapping) withDefaults() Mapping {
	def := DefaultMapping()
	if len(m.TickerAliases) == 0 {
		m.TickerAliases = def.TickerAliases
	}
	if len(m.NameAliases) == 0 {
		m.NameAliases = def.NameAliases
	}
	return m
}

func (m Mapping) delimiter() rune {
	if m.Delimiter == "" {
		return ','
	}
	r, _ := utf8.DecodeRuneInString(m.Delimiter)
	return r
}

// columns resolves the ticker and name column indexes from a header row.
// Matching is case-insensitive. The name column is optional; nameIdx is -1
// when no alias matches.
func (m Mapping) columns(header []string) (tickerIdx, nameIdx int, err error) {
	tickerIdx, nameIdx = -1, -1
	for i, cell := range header {
		col := strings.ToLower(strings.TrimSpace(cell))
		if tickerIdx == -1 && matchesAlias(col, m.TickerAliases) {
			tickerIdx = i
			continue
		}
		if nameIdx == -1 && matchesAlias(col, m.NameAliases) {
			nameIdx = i
		}
	}
	if tickerIdx == -1 {
		return 0, 0, eris.Errorf("rowsource: no ticker column found (want one of %v)", m.TickerAliases)
	}
	return tickerIdx, nameIdx, nil
}

func matchesAlias(col string, aliases []string) bool {
	for _, a := range aliases {
		if col == strings.ToLower(a) {
			return true
		}
	}
	return false
}
