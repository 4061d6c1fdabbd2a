package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bloko-capital/fundsync/internal/catalog"
	"github.com/bloko-capital/fundsync/internal/downloader"
	"github.com/bloko-capital/fundsync/internal/portal"
	"github.com/bloko-capital/fundsync/internal/report"
	"github.com/bloko-capital/fundsync/internal/resilience"
	"github.com/bloko-capital/fundsync/internal/router"
	"github.com/bloko-capital/fundsync/internal/scratch"
)

var (
	downloadType      string
	downloadDate      string
	downloadTo        string
	downloadWorkers   int
	downloadTransport string
)

const dateLayout = "2006-01-02"

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download position reports for every enabled fund",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if downloadWorkers > 0 {
			cfg.Download.Workers = downloadWorkers
		}
		if downloadTransport != "" {
			cfg.Portal.Transport = downloadTransport
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		typ, err := report.Parse(downloadType)
		if err != nil {
			return err
		}

		from, to, err := parseDateRange(downloadDate, downloadTo)
		if err != nil {
			return err
		}

		cat, err := catalog.Load(cfg.Catalog.Path)
		if err != nil {
			return eris.Wrap(err, "load fund catalog")
		}
		zap.L().Info("catalog loaded", zap.Int("funds", cat.Len()))

		fs := afero.NewOsFs()
		area := scratch.NewArea(fs, cfg.Paths.Scratch)
		routes := router.New(fs, cat, router.Paths{
			FundRoot:    cfg.Paths.FundRoot,
			Monitor:     cfg.Paths.Monitor,
			Spreadsheet: cfg.Paths.Spreadsheet,
			Structured:  cfg.Paths.Structured,
		})

		factory, err := sessionFactory(fs)
		if err != nil {
			return err
		}

		retry := resilience.DefaultRetryConfig()
		retry.MaxAttempts = cfg.Download.MaxRetries + 1

		eng := downloader.New(cat, factory, area, routes, fs, downloader.Config{
			Workers:      cfg.Download.Workers,
			Type:         typ,
			From:         from,
			To:           to,
			AwaitTimeout: cfg.Download.AwaitTimeout(),
			Retry:        retry,
		})

		sum, err := eng.Run(ctx)
		if err != nil {
			return eris.Wrap(err, "download run")
		}

		zap.L().Info("run complete",
			zap.Int("total", sum.Total),
			zap.Int("success", sum.Success),
			zap.Int("errors", sum.Errors),
			zap.Int("routed", sum.Routed),
		)

		// Print result JSON to stdout
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summaryReport(sum))
	},
}

// sessionFactory builds the configured transport.
func sessionFactory(fs afero.Fs) (portal.Factory, error) {
	creds := portal.Credentials{
		BaseURL:  cfg.Portal.BaseURL,
		Username: cfg.Portal.Username,
		Password: cfg.Portal.Password,
	}
	switch cfg.Portal.Transport {
	case "web":
		return func(id int, scratchDir string) (portal.Session, error) {
			return portal.NewWebSession(id, creds, fs, scratchDir)
		}, nil
	case "api":
		return func(id int, scratchDir string) (portal.Session, error) {
			return portal.NewAPISession(id, creds, fs, scratchDir)
		}, nil
	default:
		return nil, eris.Errorf("unknown transport %q", cfg.Portal.Transport)
	}
}

// parseDateRange resolves the reference period. An empty date means
// today; an empty end date means a single-date run.
func parseDateRange(date, endDate string) (time.Time, time.Time, error) {
	from := time.Now().Truncate(24 * time.Hour)
	if date != "" {
		parsed, err := time.Parse(dateLayout, date)
		if err != nil {
			return time.Time{}, time.Time{}, eris.Wrapf(err, "parse date %q", date)
		}
		from = parsed
	}

	to := from
	if endDate != "" {
		parsed, err := time.Parse(dateLayout, endDate)
		if err != nil {
			return time.Time{}, time.Time{}, eris.Wrapf(err, "parse end date %q", endDate)
		}
		to = parsed
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, eris.Errorf("end date %s precedes start date %s",
			to.Format(dateLayout), from.Format(dateLayout))
	}
	return from, to, nil
}

// fundOutcome is one fund's line in the printed summary.
type fundOutcome struct {
	Fund  string `json:"fund"`
	Phase string `json:"phase,omitempty"`
	Error string `json:"error,omitempty"`
}

type runReport struct {
	Total    int           `json:"total"`
	Success  int           `json:"success"`
	Errors   int           `json:"errors"`
	Routed   int           `json:"routed"`
	Failures []fundOutcome `json:"failures,omitempty"`
}

func summaryReport(sum *downloader.Summary) runReport {
	out := runReport{
		Total:   sum.Total,
		Success: sum.Success,
		Errors:  sum.Errors,
		Routed:  sum.Routed,
	}
	for _, res := range sum.Results {
		if res.Err == nil {
			continue
		}
		out.Failures = append(out.Failures, fundOutcome{
			Fund:  res.Fund,
			Phase: string(res.Phase),
			Error: res.Err.Error(),
		})
	}
	return out
}

func init() {
	downloadCmd.Flags().StringVar(&downloadType, "type", "pdf", "report type: pdf, xlsx or xml")
	downloadCmd.Flags().StringVar(&downloadDate, "date", "", "reference date (YYYY-MM-DD, default today)")
	downloadCmd.Flags().StringVar(&downloadTo, "to", "", "end of a date range (YYYY-MM-DD, triggers batch archives)")
	downloadCmd.Flags().IntVar(&downloadWorkers, "workers", 0, "session pool size (default from config)")
	downloadCmd.Flags().StringVar(&downloadTransport, "transport", "", "portal transport: web or api (default from config)")
	rootCmd.AddCommand(downloadCmd)
}
