// Package catalog loads the fund universe from the operations workbook
// and derives, per fund, the search token used to locate it on the portal
// and the pattern used to attribute produced files back to it.
package catalog

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// ErrNoFunds is returned when the workbook yields zero enabled funds.
// An empty catalog is always an operator error, never a valid run.
var ErrNoFunds = eris.New("catalog: no enabled funds")

const (
	sheetName = "BD"

	// Workbook column indexes: B = display alias, C = destination folder,
	// J = enabled flag.
	colAlias   = 1
	colFolder  = 2
	colEnabled = 9

	// markerWord tags funds filed under the umbrella company name on the
	// portal. Their official names differ from what appears in produced
	// filenames, so they carry fixed matching patterns instead of a
	// derived token.
	markerWord = "BLOKO"
)

// compositePatterns maps each umbrella fund to the substring its files
// carry. These names never literally appear in portal filenames.
var compositePatterns = map[string]string{
	"BLOKO URBANISMO": "urbanismo",
	"BLOKO FIM":       "fundo-de-investimento",
}

// enabledValues are the flag spellings the workbook uses to opt a fund in.
var enabledValues = map[string]bool{
	"SIM": true, "S": true, "TRUE": true, "VERDADEIRO": true,
	"YES": true, "Y": true, "1": true,
}

// Fund is one entry of the fund universe. Immutable after load.
type Fund struct {
	// Name is the canonical display name, unique within the catalog.
	Name string
	// Folder is the destination folder alias under the fund archive root.
	Folder string
	// Token is the case-insensitive substring used to locate the fund's
	// row on the portal and to attribute files to it.
	Token string
	// Composite marks umbrella funds matched by Pattern instead of Token.
	Composite bool
	// Pattern is the fixed filename substring for composite funds.
	Pattern string
}

// MatchToken returns the substring checked against produced filenames:
// the composite pattern for umbrella funds, the search token otherwise.
func (f Fund) MatchToken() string {
	if f.Composite {
		return f.Pattern
	}
	return f.Token
}

// Catalog is the loaded, read-only fund universe. Iteration order is the
// workbook row order; Match depends on it for its documented tie-break.
type Catalog struct {
	funds  []Fund
	byName map[string]int
}

// New builds a catalog from an explicit fund list. Duplicate names keep
// the first occurrence. Returns ErrNoFunds for an empty list.
func New(funds []Fund) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]int, len(funds))}
	for _, f := range funds {
		if _, dup := c.byName[f.Name]; dup {
			continue
		}
		c.byName[f.Name] = len(c.funds)
		c.funds = append(c.funds, f)
	}
	if len(c.funds) == 0 {
		return nil, ErrNoFunds
	}
	return c, nil
}

// Load reads the fund universe from the workbook at path.
func Load(path string) (*Catalog, error) {
	wb, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: open workbook %s", path)
	}

	sheet, ok := wb.Sheet[sheetName]
	if !ok {
		return nil, eris.Errorf("catalog: sheet %q not found in %s", sheetName, path)
	}

	var funds []Fund
	for _, row := range sheet.Rows {
		if len(row.Cells) <= colEnabled {
			continue
		}
		if !enabledValues[strings.ToUpper(strings.TrimSpace(row.Cells[colEnabled].String()))] {
			continue
		}

		alias := strings.TrimSpace(row.Cells[colAlias].String())
		folder := strings.TrimSpace(row.Cells[colFolder].String())
		if alias == "" || folder == "" {
			continue
		}

		funds = append(funds, NewFund(alias, folder))
	}

	c, err := New(funds)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewFund derives a Fund from its workbook alias and destination folder,
// applying umbrella normalization and token derivation.
func NewFund(alias, folder string) Fund {
	name := normalizeName(alias)
	composite := isComposite(name)

	f := Fund{
		Name:      name,
		Folder:    folder,
		Composite: composite,
	}
	if composite {
		f.Token = name
		f.Pattern = compositePatterns[name]
	} else {
		f.Token = deriveToken(name)
	}
	return f
}

// Funds returns the fund list in catalog order. Callers must not mutate it.
func (c *Catalog) Funds() []Fund {
	return c.funds
}

// Get looks a fund up by canonical name.
func (c *Catalog) Get(name string) (Fund, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Fund{}, false
	}
	return c.funds[i], true
}

// Len returns the number of funds in the catalog.
func (c *Catalog) Len() int {
	return len(c.funds)
}

// Match attributes a produced filename to at most one fund. Composite
// funds are checked before generic ones so a generic token cannot
// over-match an umbrella file; within each group, catalog order decides.
func (c *Catalog) Match(filename string) (Fund, bool) {
	lower := strings.ToLower(filename)

	for _, f := range c.funds {
		if f.Composite && f.Pattern != "" && strings.Contains(lower, strings.ToLower(f.Pattern)) {
			return f, true
		}
	}
	for _, f := range c.funds {
		if !f.Composite && f.Token != "" && strings.Contains(lower, strings.ToLower(f.Token)) {
			return f, true
		}
	}
	return Fund{}, false
}

// normalizeName maps workbook aliases of umbrella funds to their
// canonical composite identity. Aliases carry the marker as their second
// word ("FIP BLOKO ..." is the urbanism vehicle, any other prefix is the
// multimarket fund).
func normalizeName(alias string) string {
	parts := strings.Fields(alias)
	if len(parts) > 1 && parts[1] == markerWord {
		if parts[0] == "FIP" {
			return "BLOKO URBANISMO"
		}
		return "BLOKO FIM"
	}
	return alias
}

func isComposite(name string) bool {
	return strings.Contains(strings.ToUpper(name), markerWord)
}

// deriveToken extracts the portal search token: everything after the
// first word of the display name ("FIDC ATLAS II" -> "ATLAS II"), the
// whole name when there is only one word.
func deriveToken(name string) string {
	parts := strings.SplitN(name, " ", 2)
	if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
		return strings.TrimSpace(parts[1])
	}
	return name
}
