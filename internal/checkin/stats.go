package checkin

import (
	"context"
	"fmt"
	"sort"
	"time"

	"ms-fulfillment/internal/models"
)

// EventScanStats aggregates the scan log for one event. ScanRecord is the
// single source: the same rows that drive rate limiting drive these
// numbers.
type EventScanStats struct {
	EventID      string         `json:"event_id"`
	TotalScans   int            `json:"total_scans"`
	CheckedIn    int            `json:"checked_in"`
	ByResult     map[string]int `json:"by_result"`
	HourlyCounts []HourlyCount  `json:"hourly_counts"`
}

type HourlyCount struct {
	Hour  time.Time `json:"hour"`
	Count int       `json:"count"`
}

type resultCount struct {
	Result models.ScanResult `bun:"result"`
	Count  int               `bun:"count"`
}

// Stats derives per-event scan statistics from the scan log and the
// check-in records. Pure read, no audit entry.
func (e *Engine) Stats(ctx context.Context, eventID string) (*EventScanStats, error) {
	var byResult []resultCount
	err := e.Bun.NewSelect().Model((*models.ScanRecord)(nil)).
		ColumnExpr("result").
		ColumnExpr("count(*) AS count").
		Where("event_id = ?", eventID).
		Group("result").
		Scan(ctx, &byResult)
	if err != nil {
		return nil, fmt.Errorf("aggregate scan results: %w", err)
	}

	stats := &EventScanStats{
		EventID:  eventID,
		ByResult: make(map[string]int, len(byResult)),
	}
	for _, rc := range byResult {
		stats.ByResult[string(rc.Result)] = rc.Count
		stats.TotalScans += rc.Count
	}

	checkedIn, err := e.Bun.NewSelect().Model((*models.CheckinRecord)(nil)).
		Where("event_id = ?", eventID).
		Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count checkins: %w", err)
	}
	stats.CheckedIn = checkedIn

	// Hourly buckets over the trailing day, computed in Go so the query
	// stays portable across dialects.
	var recent []models.ScanRecord
	since := time.Now().UTC().Add(-24 * time.Hour)
	err = e.Bun.NewSelect().Model(&recent).
		Column("scanned_at").
		Where("event_id = ?", eventID).
		Where("scanned_at > ?", since).
		Order("scanned_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("load recent scans: %w", err)
	}

	buckets := make(map[time.Time]int)
	for _, rec := range recent {
		buckets[rec.ScannedAt.Truncate(time.Hour)]++
	}
	for hour, count := range buckets {
		stats.HourlyCounts = append(stats.HourlyCounts, HourlyCount{Hour: hour, Count: count})
	}
	sort.Slice(stats.HourlyCounts, func(i, j int) bool {
		return stats.HourlyCounts[i].Hour.Before(stats.HourlyCounts[j].Hour)
	})

	return stats, nil
}
