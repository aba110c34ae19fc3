package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"bilancio/internal/config"
	"bilancio/internal/core"
)

// OverviewReader is the slice of the store the exporter needs.
type OverviewReader interface {
	MonthOverview(ctx context.Context, ownerID core.OwnerID, year, month int) (core.MonthOverview, error)
}

// SheetsExporter appends monthly summaries to a Google spreadsheet.
// One row per category plus a totals row, so a year of exports reads as
// a flat log that pivot tables can slice.
type SheetsExporter struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheetName     string
	store         OverviewReader
}

// NewSheetsExporter builds the exporter from the OAuth client and token
// configured on cfg. The token must already exist; it is produced once
// by the oauth-init command.
func NewSheetsExporter(ctx context.Context, cfg *config.Config, store OverviewReader) (*SheetsExporter, error) {
	if !cfg.SheetsExportEnabled() {
		return nil, errors.New("sheets export is not configured")
	}

	clientJSON, err := loadCredential(cfg.GoogleOAuthClientJSON, cfg.GoogleOAuthClientFile)
	if err != nil {
		return nil, fmt.Errorf("oauth client credentials: %w", err)
	}
	oauthCfg, err := google.ConfigFromJSON(clientJSON, gsheet.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("parse oauth client: %w", err)
	}

	tokenJSON, err := loadCredential(cfg.GoogleOAuthTokenJSON, cfg.GoogleOAuthTokenFile)
	if err != nil {
		return nil, fmt.Errorf("oauth token: %w", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(tokenJSON, &token); err != nil {
		return nil, fmt.Errorf("parse oauth token: %w", err)
	}

	svc, err := gsheet.NewService(ctx, goption.WithHTTPClient(oauthCfg.Client(ctx, &token)))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	return &SheetsExporter{
		svc:           svc,
		spreadsheetID: cfg.GoogleSpreadsheetID,
		sheetName:     cfg.GoogleSheetName,
		store:         store,
	}, nil
}

func loadCredential(inline, file string) ([]byte, error) {
	switch {
	case inline != "":
		return []byte(inline), nil
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		return b, nil
	default:
		return nil, errors.New("no credential configured")
	}
}

// ExportMonth appends the owner's summary for the given month.
func (e *SheetsExporter) ExportMonth(ctx context.Context, ownerID core.OwnerID, year, month int) error {
	if e.svc == nil {
		return errors.New("sheets service not initialized")
	}

	overview, err := e.store.MonthOverview(ctx, ownerID, year, month)
	if err != nil {
		return fmt.Errorf("month overview: %w", err)
	}

	vr := &gsheet.ValueRange{Values: summaryRows(ownerID, overview)}
	rng := fmt.Sprintf("%s!A:F", e.sheetName)

	_, err = e.svc.Spreadsheets.Values.Append(e.spreadsheetID, rng, vr).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("append to sheet %s: %w", e.sheetName, err)
	}
	return nil
}

// summaryRows flattens an overview into sheet rows:
// month, owner, category, kind, planned, spent.
// The TOTAL row reuses the planned and spent columns for income and
// expenses, with net in a trailing column.
func summaryRows(ownerID core.OwnerID, o core.MonthOverview) [][]any {
	monthKey := strconv.Itoa(o.Year) + "-" + fmt.Sprintf("%02d", o.Month)
	owner := ownerID.String()

	rows := make([][]any, 0, len(o.ByCategory)+1)
	for _, row := range o.ByCategory {
		rows = append(rows, []any{
			monthKey, owner, row.Name, string(row.Kind),
			row.Planned.String(), row.Spent.String(),
		})
	}
	rows = append(rows, []any{
		monthKey, owner, "TOTAL", "",
		o.Income.String(), o.Expenses.String(), o.Net.String(),
	})
	return rows
}
