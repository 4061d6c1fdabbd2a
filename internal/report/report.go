// Package report holds the static configuration of the three portal
// report formats: the daily position document, the spreadsheet position
// and the ANBIMA structured position.
package report

import (
	"fmt"
	"strings"
	"time"
)

// Type identifies one of the portal's report formats.
type Type int

const (
	// Document is the daily position report in PDF form.
	Document Type = iota
	// Spreadsheet is the position report in XLSX form.
	Spreadsheet
	// Structured is the ANBIMA 5.0 position report in XML form.
	Structured
)

// Spec describes how one report type appears on the portal and on disk.
type Spec struct {
	// Extension is the produced file extension, including the dot.
	Extension string
	// Label names the report in generated filenames.
	Label string
	// ControlLabel is the text of the portal control that triggers the
	// report. Not always equal to Label.
	ControlLabel string
	// APIParam is the provider-specific type parameter used by the direct
	// HTTP transport when listing files.
	APIParam string
}

var specs = map[Type]Spec{
	Document: {
		Extension:    ".pdf",
		Label:        "Carteira Diaria",
		ControlLabel: "Carteira PDF",
		APIParam:     "CARTEIRA_PDF",
	},
	Spreadsheet: {
		Extension:    ".xlsx",
		Label:        "Carteira Excel",
		ControlLabel: "Carteira Excel",
		APIParam:     "CARTEIRA_EXCEL",
	},
	Structured: {
		Extension:    ".xml",
		Label:        "Carteira XML",
		ControlLabel: "XML Anbima 5.0",
		APIParam:     "XML_5_0",
	},
}

// Get returns the static spec for t.
func (t Type) Get() Spec {
	return specs[t]
}

// Extension returns the file extension for t, including the dot.
func (t Type) Extension() string {
	return specs[t].Extension
}

func (t Type) String() string {
	switch t {
	case Document:
		return "document"
	case Spreadsheet:
		return "spreadsheet"
	case Structured:
		return "structured"
	default:
		return "unknown"
	}
}

// BaseName builds the filing name for a report artifact, without
// extension: "<DD.MM> - <label> - <fund>".
func (t Type) BaseName(fund string, date time.Time) string {
	return fmt.Sprintf("%s - %s - %s", date.Format("02.01"), specs[t].Label, fund)
}

// Parse maps a CLI flag value to a Type. Both the canonical names and the
// portal's colloquial format names are accepted.
func Parse(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "document", "pdf":
		return Document, nil
	case "spreadsheet", "excel", "xlsx":
		return Spreadsheet, nil
	case "structured", "xml":
		return Structured, nil
	default:
		return 0, fmt.Errorf("unknown report type %q (want document|spreadsheet|structured)", s)
	}
}
