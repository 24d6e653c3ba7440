package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/mileage_backend/config"
	"github.com/mmdatafocus/mileage_backend/models"
	"github.com/mmdatafocus/mileage_backend/workflow"
)

// Exit codes: 0 no drift, 1 failure, 2 drift detected.
func main() {
	tenantID := flag.String("tenant-id", "", "Required: tenant id")
	vehicleID := flag.String("vehicle-id", "", "Required: vehicle id")
	seriesID := flag.String("series-id", "", "Optional: series id (defaults to the model's current series)")
	asJSON := flag.Bool("json", false, "Print the full report as JSON")
	flag.Parse()

	if strings.TrimSpace(*tenantID) == "" || strings.TrimSpace(*vehicleID) == "" {
		fmt.Fprintln(os.Stderr, "--tenant-id and --vehicle-id are required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	ctx := context.Background()
	repo := models.NewGormRepository(db)

	series := strings.TrimSpace(*seriesID)
	if series == "" {
		m, err := repo.GetModel(ctx, *tenantID, *vehicleID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load model: %v\n", err)
			os.Exit(1)
		}
		if m == nil {
			fmt.Fprintln(os.Stderr, "no mileage model for vehicle")
			os.Exit(1)
		}
		series = m.SeriesId
	}

	// Replay only reads the event and audit logs; no cache, lock or flags are needed.
	svc := workflow.NewMileageService(repo, nil, nil, nil, nil,
		workflow.WithSettings(config.LoadMileageSettings()),
		workflow.WithLogger(config.GetLogger()),
	)
	report, err := svc.ReplaySeries(ctx, *tenantID, *vehicleID, series)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else {
		fmt.Printf("tenant=%s vehicle=%s series=%s events=%d\n", report.TenantId, report.VehicleId, report.SeriesId, len(report.Steps))
		for _, s := range report.Steps {
			mark := ""
			if s.Drift {
				mark = "  DRIFT"
			}
			fmt.Printf("event=%d action=%s rate %.6f -> %.6f confidence %.4f -> %.4f%s\n",
				s.EventId, s.Action, s.StoredRate, s.ReplayedRate, s.StoredConfidence, s.ReplayedConfidence, mark)
			if s.Error != "" {
				fmt.Printf("  error: %s\n", s.Error)
			}
		}
		if len(report.MissingAudit) > 0 {
			fmt.Printf("events without audit: %v\n", report.MissingAudit)
		}
		if report.StoredRate != nil {
			fmt.Printf("final rate stored=%.6f replayed=%.6f\n", *report.StoredRate, report.ReplayedRate)
		}
	}
	if report.Drifted {
		os.Exit(2)
	}
}
