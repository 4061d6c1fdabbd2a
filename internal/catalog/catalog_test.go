package catalog

import (
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

// workbookRow is one row of the BD sheet, addressed by the column letters
// the loader reads: B = alias, C = folder, J = enabled flag.
type workbookRow struct {
	alias   string
	folder  string
	enabled string
}

func createWorkbook(t *testing.T, rows []workbookRow) string {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("BD")
	require.NoError(t, err)

	for _, r := range rows {
		row := sheet.AddRow()
		cells := make([]string, 10)
		cells[colAlias] = r.alias
		cells[colFolder] = r.folder
		cells[colEnabled] = r.enabled
		for _, v := range cells {
			row.AddCell().SetString(v)
		}
	}

	path := filepath.Join(t.TempDir(), "bd.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestLoad_Basic(t *testing.T) {
	path := createWorkbook(t, []workbookRow{
		{"FIDC ATLAS", "01. Atlas", "SIM"},
		{"FIDC BOREAL II", "02. Boreal", "sim"},
		{"FIDC OMITIDO", "03. Omitido", "NAO"},
		{"", "04. Sem nome", "SIM"},
	})

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	atlas, ok := c.Get("FIDC ATLAS")
	require.True(t, ok)
	assert.Equal(t, "ATLAS", atlas.Token)
	assert.False(t, atlas.Composite)
	assert.Equal(t, "01. Atlas", atlas.Folder)

	boreal, ok := c.Get("FIDC BOREAL II")
	require.True(t, ok)
	assert.Equal(t, "BOREAL II", boreal.Token)
}

func TestLoad_UmbrellaNormalization(t *testing.T) {
	path := createWorkbook(t, []workbookRow{
		{"FIP BLOKO URB", "05. Urbanismo", "SIM"},
		{"FIM BLOKO MULTI", "06. Multi", "SIM"},
	})

	c, err := Load(path)
	require.NoError(t, err)

	urb, ok := c.Get("BLOKO URBANISMO")
	require.True(t, ok)
	assert.True(t, urb.Composite)
	assert.Equal(t, "urbanismo", urb.Pattern)
	assert.Equal(t, "BLOKO URBANISMO", urb.Token)

	fim, ok := c.Get("BLOKO FIM")
	require.True(t, ok)
	assert.True(t, fim.Composite)
	assert.Equal(t, "fundo-de-investimento", fim.Pattern)
}

func TestLoad_EmptyCatalogFails(t *testing.T) {
	path := createWorkbook(t, []workbookRow{
		{"FIDC ATLAS", "01. Atlas", "NAO"},
	})

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNoFunds))
}

func TestLoad_MissingSheet(t *testing.T) {
	f := xlsx.NewFile()
	_, err := f.AddSheet("Outra")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "bd.xlsx")
	require.NoError(t, f.Save(path))

	_, err = Load(path)
	assert.Error(t, err)
}

func TestNewFund_TokensNonEmpty(t *testing.T) {
	for _, alias := range []string{"FIDC ATLAS", "FIP BLOKO URB", "SOLO", "FIDC BOREAL II"} {
		f := NewFund(alias, "pasta")
		assert.NotEmpty(t, f.Token, alias)
		assert.NotEmpty(t, f.MatchToken(), alias)
	}
}

func TestNewFund_SingleWordFallsBack(t *testing.T) {
	f := NewFund("SOLO", "pasta")
	assert.Equal(t, "SOLO", f.Token)
	assert.False(t, f.Composite)
}

func TestMatch_CompositeBeforeGeneric(t *testing.T) {
	// The generic token "urbanismo-fidc" scenario: a filename that matches
	// both the umbrella pattern and an unrelated generic token must go to
	// the umbrella fund.
	c, err := New([]Fund{
		{Name: "FIDC FUNDO", Folder: "a", Token: "fundo"},
		{Name: "BLOKO FIM", Folder: "b", Composite: true, Token: "BLOKO FIM", Pattern: "fundo-de-investimento"},
	})
	require.NoError(t, err)

	f, ok := c.Match("carteira_fundo-de-investimento_20251208.xml")
	require.True(t, ok)
	assert.Equal(t, "BLOKO FIM", f.Name)
}

func TestMatch_CatalogOrderTieBreak(t *testing.T) {
	c, err := New([]Fund{
		{Name: "FIDC ALFA", Folder: "a", Token: "alfa"},
		{Name: "FIDC ALFA II", Folder: "b", Token: "alfa ii"},
	})
	require.NoError(t, err)

	f, ok := c.Match("carteira_ALFA_II_20251208.pdf")
	require.True(t, ok)
	assert.Equal(t, "FIDC ALFA", f.Name)
}

func TestMatch_NoFund(t *testing.T) {
	c, err := New([]Fund{{Name: "FIDC ATLAS", Folder: "a", Token: "atlas"}})
	require.NoError(t, err)

	_, ok := c.Match("carteira_desconhecida_20251208.pdf")
	assert.False(t, ok)
}

func TestNew_Empty(t *testing.T) {
	_, err := New(nil)
	assert.True(t, eris.Is(err, ErrNoFunds))
}
