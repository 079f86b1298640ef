package proof_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"rampline/internal/db"
	"rampline/internal/domain"
	"rampline/internal/migrate"
	"rampline/internal/proof"
	"rampline/internal/repo"
)

func newTracker(t *testing.T) (proof.Tracker, context.Context) {
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
	tracker := proof.Tracker{
		DB:   conn,
		Repo: repo.Repo{DB: conn},
		Now:  func() time.Time { return time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC) },
	}
	return tracker, context.Background()
}

func TestProofStateNone(t *testing.T) {
	tracker, ctx := newTracker(t)
	p, err := tracker.State(ctx, "RUN-NONE")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if p.State != domain.ProofNone {
		t.Fatalf("state = %s, want NONE", p.State)
	}
	if p.CommitmentID != nil || p.TxHash != nil {
		t.Fatalf("unexpected fields: %+v", p)
	}
}

func TestRequestAndConfirm(t *testing.T) {
	tracker, ctx := newTracker(t)
	c, err := tracker.Request(ctx, "run", "RUN-1", "ramp.run.summary", "sha256:abc", proof.ChainTestnet)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if c.Status != domain.CommitmentPending {
		t.Fatalf("status = %s", c.Status)
	}
	if !strings.HasPrefix(c.CommitmentID, "RBL_") {
		t.Fatalf("commitment id = %s", c.CommitmentID)
	}
	p, err := tracker.State(ctx, "RUN-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.State != domain.ProofPending {
		t.Fatalf("state = %s, want PENDING", p.State)
	}

	confirmed, err := tracker.MarkConfirmed(ctx, c.CommitmentID, "0xdeadbeef")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != domain.CommitmentConfirmed {
		t.Fatalf("status = %s", confirmed.Status)
	}
	if confirmed.TxHash == nil || *confirmed.TxHash != "0xdeadbeef" {
		t.Fatalf("tx hash = %v", confirmed.TxHash)
	}
	if confirmed.ExplorerURL == nil || *confirmed.ExplorerURL != "https://testnet-explorer.redbelly.network/tx/0xdeadbeef" {
		t.Fatalf("explorer url = %v", confirmed.ExplorerURL)
	}

	p, err = tracker.State(ctx, "RUN-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.State != domain.ProofVerified {
		t.Fatalf("state = %s, want VERIFIED", p.State)
	}
	if p.ExplorerURL == nil {
		t.Fatal("explorer url missing from proof")
	}
}

func TestConfirmRequiresTxHash(t *testing.T) {
	tracker, ctx := newTracker(t)
	c, err := tracker.Request(ctx, "run", "RUN-2", "ramp.run.summary", "sha256:abc", proof.ChainTestnet)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tracker.MarkConfirmed(ctx, c.CommitmentID, ""); err == nil {
		t.Fatal("expected error without tx hash")
	}
}

func TestMarkFailed(t *testing.T) {
	tracker, ctx := newTracker(t)
	c, err := tracker.Request(ctx, "run", "RUN-3", "ramp.run.summary", "sha256:abc", proof.ChainMainnet)
	if err != nil {
		t.Fatal(err)
	}
	failed, err := tracker.MarkFailed(ctx, c.CommitmentID)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != domain.CommitmentFailed {
		t.Fatalf("status = %s", failed.Status)
	}
	// a failed latest commitment reads PENDING, never VERIFIED
	p, err := tracker.State(ctx, "RUN-3")
	if err != nil {
		t.Fatal(err)
	}
	if p.State != domain.ProofPending {
		t.Fatalf("state = %s, want PENDING", p.State)
	}
}

func TestLatestCommitmentWins(t *testing.T) {
	tracker, ctx := newTracker(t)
	first, err := tracker.Request(ctx, "run", "RUN-4", "ramp.run.summary", "sha256:v1", proof.ChainTestnet)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tracker.MarkConfirmed(ctx, first.CommitmentID, "0x01"); err != nil {
		t.Fatal(err)
	}
	// a later request resets the externally visible state to PENDING
	tracker.Now = func() time.Time { return time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC) }
	if _, err := tracker.Request(ctx, "run", "RUN-4", "ramp.run.summary", "sha256:v2", proof.ChainTestnet); err != nil {
		t.Fatal(err)
	}
	p, err := tracker.State(ctx, "RUN-4")
	if err != nil {
		t.Fatal(err)
	}
	if p.State != domain.ProofPending {
		t.Fatalf("state = %s, want PENDING after new request", p.State)
	}
	list, err := tracker.Repo.ListCommitments(ctx, "RUN-4")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("commitments = %d, want 2", len(list))
	}
}
