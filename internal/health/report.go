package health

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	reportPrefix    = "health_report_"
	reportSnapshots = 100
)

type report struct {
	GeneratedAt string       `json:"generated_at"`
	System      SystemHealth `json:"system_health"`
	History     []Snapshot   `json:"history"`
}

// WriteReport dumps the current system health and the latest snapshots into
// ReportDir, then prunes old reports down to KeepReports.
func (r *Registry) WriteReport() (string, error) {
	if r.cfg.ReportDir == "" {
		return "", fmt.Errorf("health report directory is not configured")
	}
	if err := os.MkdirAll(r.cfg.ReportDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	now := r.now()
	rep := report{
		GeneratedAt: now.Format(time.RFC3339),
		System:      r.SystemHealth(),
		History:     r.History(reportSnapshots),
	}

	filename := fmt.Sprintf("%s%s.json", reportPrefix, now.Format("20060102_150405.000000000"))
	fullPath := filepath.Join(r.cfg.ReportDir, filename)

	if err := saveAsJSON(fullPath, rep); err != nil {
		return "", fmt.Errorf("failed to write health report: %w", err)
	}

	if err := r.pruneReports(); err != nil {
		r.logger.Warn("failed to prune old health reports", "error", err)
	}

	return fullPath, nil
}

func saveAsJSON(path string, v any) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
	}()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	return encoder.Encode(v)
}

// pruneReports removes the oldest reports. Names embed the timestamp, so
// lexical order is chronological.
func (r *Registry) pruneReports() error {
	matches, err := filepath.Glob(filepath.Join(r.cfg.ReportDir, reportPrefix+"*.json"))
	if err != nil {
		return err
	}
	if len(matches) <= r.cfg.KeepReports {
		return nil
	}

	sort.Strings(matches)
	for _, path := range matches[:len(matches)-r.cfg.KeepReports] {
		if err := os.Remove(path); err != nil {
			return err
		}
	}

	return nil
}
