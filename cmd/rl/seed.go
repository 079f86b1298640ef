package main

import (
	"context"
	"fmt"

	"rampline/internal/domain"
	"rampline/internal/engine"
)

func strp(s string) *string   { return &s }
func f64p(f float64) *float64 { return &f }

// seedDemo loads three runs at SITE-1 in different lifecycle stages plus a
// reviewable animal set, mirroring a typical day at a single ramp.
func seedDemo(ctx context.Context, e engine.Engine) error {
	runs := []domain.Run{
		{
			RunID: "RUN-001", SiteID: "SITE-1", RunType: domain.RunTypeIncoming,
			Status: domain.RunStatusDraft, PIC: "NSW123456",
			Metadata:  domain.RunMetadata{TruckID: "TRK-42", LotNumber: "LOT-0901"},
			CreatedAt: "2025-09-01T06:30:00Z", UpdatedAt: "2025-09-01T06:30:00Z",
		},
		{
			RunID: "RUN-002", SiteID: "SITE-1", RunType: domain.RunTypeIncoming,
			Status: domain.RunStatusReview, PIC: "NSW123456",
			Metadata:  domain.RunMetadata{TruckID: "TRK-17", LotNumber: "LOT-0902", CounterpartyName: "Western Plains Feedlot"},
			CreatedAt: "2025-09-01T07:10:00Z", UpdatedAt: "2025-09-01T08:05:00Z",
		},
		{
			RunID: "RUN-003", SiteID: "SITE-1", RunType: domain.RunTypeOutgoing,
			Status: domain.RunStatusCapturing, PIC: "NSW123456",
			Metadata:  domain.RunMetadata{TruckID: "TRK-08"},
			CreatedAt: "2025-09-01T09:00:00Z", UpdatedAt: "2025-09-01T09:02:00Z",
		},
	}
	classes := []string{
		domain.LamenessNone, domain.LamenessNone, domain.LamenessMild,
		domain.LamenessNone, domain.LamenessModerate, domain.LamenessNone,
		domain.LamenessNone, domain.LamenessSevere, domain.LamenessNone,
		domain.LamenessMild, domain.LamenessNone, domain.LamenessNone,
	}
	ticks := []float64{0.1, 0.2, 0.15, 0.85, 0.3, 0.05, 0.4, 0.9, 0.12, 0.22, 0.08, 0.3}
	animals := make([]domain.Animal, 0, 12)
	for i := 0; i < 12; i++ {
		ref := fmt.Sprintf("A-%04d", i+1)
		animals = append(animals, domain.Animal{
			RunID:           "RUN-002",
			TempRef:         ref,
			AnimalID:        strp(fmt.Sprintf("ANIMAL-%04d", i+1)),
			ThumbnailURL:    fmt.Sprintf("https://media.rampline.local/run-002/%s.jpg", ref),
			MediaHash:       fmt.Sprintf("sha256:%064x", i+1),
			LamenessScore:   f64p(float64(i%4) * 0.25),
			LamenessClass:   strp(classes[i]),
			ConditionScore:  f64p(2.5 + float64(i%3)*0.5),
			TickIndex:       f64p(ticks[i]),
			ModelConfidence: 0.9,
			CreatedAt:       "2025-09-01T08:00:00Z",
			UpdatedAt:       "2025-09-01T08:00:00Z",
		})
	}
	for _, run := range runs {
		var batch []domain.Animal
		if run.RunID == "RUN-002" {
			batch = animals
		}
		if err := e.SeedRun(ctx, run, batch); err != nil {
			return fmt.Errorf("seed %s: %w", run.RunID, err)
		}
	}
	return nil
}
