package review_test

import (
	"context"
	"testing"
	"time"

	"rampline/internal/audit"
	"rampline/internal/db"
	"rampline/internal/domain"
	"rampline/internal/migrate"
	"rampline/internal/repo"
	"rampline/internal/review"
)

func strp(s string) *string   { return &s }
func f64p(f float64) *float64 { return &f }

func TestDeriveFlags(t *testing.T) {
	cases := []struct {
		name   string
		animal domain.Animal
		want   []string
	}{
		{"no scores", domain.Animal{}, nil},
		{"mild lameness", domain.Animal{LamenessClass: strp(domain.LamenessMild)}, nil},
		{"moderate lameness", domain.Animal{LamenessClass: strp(domain.LamenessModerate)}, []string{domain.FlagHighLameness}},
		{"severe lameness", domain.Animal{LamenessClass: strp(domain.LamenessSevere)}, []string{domain.FlagHighLameness}},
		{"tick at threshold", domain.Animal{TickIndex: f64p(0.8)}, nil},
		{"tick above threshold", domain.Animal{TickIndex: f64p(0.81)}, []string{domain.FlagHighTick}},
		{"both", domain.Animal{LamenessClass: strp(domain.LamenessSevere), TickIndex: f64p(0.95)}, []string{domain.FlagHighLameness, domain.FlagHighTick}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := review.DeriveFlags(tc.animal)
			if len(got) != len(tc.want) {
				t.Fatalf("flags = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("flags = %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestSummarize(t *testing.T) {
	animals := []domain.Animal{
		{TempRef: "A-0001"},
		{TempRef: "A-0002", Excluded: true},
		{TempRef: "A-0003", LamenessClass: strp(domain.LamenessSevere)},
		{TempRef: "A-0004", TickIndex: f64p(0.9), Excluded: true},
	}
	s := review.Summarize(animals)
	if s.TotalDetected != 4 {
		t.Fatalf("detected = %d", s.TotalDetected)
	}
	if s.TotalIncluded != 2 {
		t.Fatalf("included = %d", s.TotalIncluded)
	}
	// excluded animals still count toward flag totals, only inclusion changes
	if s.HighLameness != 1 || s.HighTick != 1 {
		t.Fatalf("flags = %+v", s)
	}
	excluded := s.TotalDetected - s.TotalIncluded
	if s.TotalIncluded+excluded != s.TotalDetected {
		t.Fatalf("count invariant broken: %+v", s)
	}
}

func newLedger(t *testing.T) (review.Ledger, context.Context) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	fixed := func() time.Time { return time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC) }
	ledger := review.Ledger{DB: conn, Repo: r, Events: audit.Writer{DB: conn, Now: fixed}, Now: fixed}
	ctx := context.Background()

	ts := "2025-09-01T07:00:00Z"
	run := domain.Run{
		RunID: "RUN-1", SiteID: "SITE-1", RunType: domain.RunTypeIncoming,
		Status: domain.RunStatusReview, PIC: "NSW123456",
		CreatedAt: ts, UpdatedAt: ts,
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.InsertRun(ctx, tx, run); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	for _, ref := range []string{"A-0001", "A-0002"} {
		a := domain.Animal{RunID: "RUN-1", TempRef: ref, ModelConfidence: 0.9, CreatedAt: ts, UpdatedAt: ts}
		if err := r.InsertAnimal(ctx, tx, a); err != nil {
			t.Fatalf("insert animal: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return ledger, ctx
}

func TestExcludeIsIdempotent(t *testing.T) {
	ledger, ctx := newLedger(t)
	a, err := ledger.Exclude(ctx, "RUN-1", "A-0001", strp("poor image"))
	if err != nil {
		t.Fatalf("exclude: %v", err)
	}
	if !a.Excluded || a.ExclusionReason == nil || *a.ExclusionReason != "poor image" {
		t.Fatalf("animal = %+v", a)
	}
	// second exclude is a no-op, not an error
	again, err := ledger.Exclude(ctx, "RUN-1", "A-0001", strp("different reason"))
	if err != nil {
		t.Fatalf("repeat exclude: %v", err)
	}
	if !again.Excluded || *again.ExclusionReason != "poor image" {
		t.Fatalf("repeat changed record: %+v", again)
	}
	events, err := ledger.Repo.LatestEvents(ctx, 10, "ANIMAL_EXCLUDED", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("exclusion events = %d, want 1", len(events))
	}
}

func TestIncludeClearsReason(t *testing.T) {
	ledger, ctx := newLedger(t)
	if _, err := ledger.Exclude(ctx, "RUN-1", "A-0001", strp("blur")); err != nil {
		t.Fatal(err)
	}
	a, err := ledger.Include(ctx, "RUN-1", "A-0001")
	if err != nil {
		t.Fatalf("include: %v", err)
	}
	if a.Excluded || a.ExclusionReason != nil {
		t.Fatalf("animal = %+v", a)
	}
	stored, err := ledger.Repo.GetAnimal(ctx, "RUN-1", "A-0001")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Excluded || stored.ExclusionReason != nil {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestSetNlisID(t *testing.T) {
	ledger, ctx := newLedger(t)
	a, err := ledger.SetNlisID(ctx, "RUN-1", "A-0002", "NLIS-982-000123")
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if a.NlisID == nil || *a.NlisID != "NLIS-982-000123" {
		t.Fatalf("animal = %+v", a)
	}
	// the same tag on a second record is allowed and stays visible
	if _, err := ledger.SetNlisID(ctx, "RUN-1", "A-0001", "NLIS-982-000123"); err != nil {
		t.Fatalf("duplicate tag rejected: %v", err)
	}
	if _, err := ledger.SetNlisID(ctx, "RUN-1", "A-0002", ""); err == nil {
		t.Fatal("expected error for empty tag")
	}
}

func TestMergeExcludesDuplicate(t *testing.T) {
	ledger, ctx := newLedger(t)
	dup, err := ledger.Merge(ctx, "RUN-1", "A-0001", "A-0002")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !dup.Excluded {
		t.Fatal("duplicate not excluded")
	}
	if dup.ExclusionReason == nil || *dup.ExclusionReason != "Merged into A-0001" {
		t.Fatalf("reason = %v", dup.ExclusionReason)
	}
	primary, err := ledger.Repo.GetAnimal(ctx, "RUN-1", "A-0001")
	if err != nil {
		t.Fatal(err)
	}
	if primary.Excluded {
		t.Fatal("primary should stay included")
	}
	if _, err := ledger.Merge(ctx, "RUN-1", "A-0001", "A-0001"); err == nil {
		t.Fatal("expected error merging animal into itself")
	}
}
