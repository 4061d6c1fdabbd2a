package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bloko-capital/fundsync/internal/catalog"
)

// fundRow is one catalog entry in the printed listing.
type fundRow struct {
	Name      string `json:"name"`
	Folder    string `json:"folder"`
	Token     string `json:"token"`
	Composite bool   `json:"composite,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List the enabled funds and their matching tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := catalog.Load(cfg.Catalog.Path)
		if err != nil {
			return eris.Wrap(err, "load fund catalog")
		}
		zap.L().Info("catalog loaded", zap.Int("funds", cat.Len()))

		rows := make([]fundRow, 0, cat.Len())
		for _, fund := range cat.Funds() {
			rows = append(rows, fundRow{
				Name:      fund.Name,
				Folder:    fund.Folder,
				Token:     fund.Token,
				Composite: fund.Composite,
				Pattern:   fund.Pattern,
			})
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	},
}

func init() {
	rootCmd.AddCommand(catalogCmd)
}
