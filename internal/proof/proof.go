package proof

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"rampline/internal/domain"
	"rampline/internal/repo"
)

const (
	ChainTestnet = "REDBELLY_TESTNET"
	ChainMainnet = "REDBELLY_MAINNET"
)

// Tracker records and queries the verification state of external ledger
// attestations. Anchoring itself happens elsewhere; the tracker only holds
// commitment records and consumes their status.
type Tracker struct {
	DB   *sql.DB
	Repo repo.Repo
	Now  func() time.Time
}

func (t Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func newCommitmentID(now time.Time) string {
	return fmt.Sprintf("RBL_%d_%s", now.Unix(), strings.Split(uuid.New().String(), "-")[0])
}

// Request creates a PENDING commitment in its own transaction.
func (t Tracker) Request(ctx context.Context, entityKind, entityID, dataType, contentHash, chain string) (domain.Commitment, error) {
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Commitment{}, err
	}
	defer tx.Rollback()
	c, err := t.RequestTx(ctx, tx, entityKind, entityID, dataType, contentHash, chain)
	if err != nil {
		return c, err
	}
	return c, tx.Commit()
}

// RequestTx creates a PENDING commitment inside the caller's transaction, so
// a lifecycle transition and its attestation request commit together.
func (t Tracker) RequestTx(ctx context.Context, tx *sql.Tx, entityKind, entityID, dataType, contentHash, chain string) (domain.Commitment, error) {
	if entityKind == "" || entityID == "" || dataType == "" {
		return domain.Commitment{}, errors.New("entity kind, entity id and data type are required")
	}
	switch chain {
	case ChainTestnet, ChainMainnet:
	default:
		return domain.Commitment{}, fmt.Errorf("unknown chain %s", chain)
	}
	now := t.now().UTC()
	c := domain.Commitment{
		CommitmentID: newCommitmentID(now),
		EntityKind:   entityKind,
		EntityID:     entityID,
		DataType:     dataType,
		ContentHash:  contentHash,
		Chain:        chain,
		Status:       domain.CommitmentPending,
		CreatedAt:    now.Format(time.RFC3339),
	}
	if err := t.Repo.InsertCommitment(ctx, tx, c); err != nil {
		return c, err
	}
	return c, nil
}

// State reports the proof state derived from the entity's commitments.
// With multiple commitments the most recently created one wins.
func (t Tracker) State(ctx context.Context, entityID string) (domain.Proof, error) {
	c, err := t.Repo.LatestCommitment(ctx, entityID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Proof{State: domain.ProofNone}, nil
	}
	if err != nil {
		return domain.Proof{}, err
	}
	return proofFromCommitment(c), nil
}

func proofFromCommitment(c domain.Commitment) domain.Proof {
	p := domain.Proof{
		State:        domain.ProofPending,
		CommitmentID: &c.CommitmentID,
		Chain:        &c.Chain,
	}
	if c.Status == domain.CommitmentConfirmed {
		p.State = domain.ProofVerified
		p.TxHash = c.TxHash
		p.ExplorerURL = c.ExplorerURL
	}
	return p
}

// ProofFor builds the Proof view for a known commitment record.
func ProofFor(c domain.Commitment) domain.Proof {
	return proofFromCommitment(c)
}

func explorerURL(chain, txHash string) string {
	if chain == ChainMainnet {
		return "https://explorer.redbelly.network/tx/" + txHash
	}
	return "https://testnet-explorer.redbelly.network/tx/" + txHash
}

// MarkConfirmed is the consumption side of the asynchronous confirmation
// channel. A CONFIRMED commitment must carry its transaction hash.
func (t Tracker) MarkConfirmed(ctx context.Context, commitmentID, txHash string) (domain.Commitment, error) {
	if txHash == "" {
		return domain.Commitment{}, errors.New("tx hash is required to confirm a commitment")
	}
	c, err := t.Repo.GetCommitment(ctx, commitmentID)
	if err != nil {
		return c, err
	}
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	now := t.now().UTC().Format(time.RFC3339)
	explorer := explorerURL(c.Chain, txHash)
	if err := t.Repo.UpdateCommitmentStatus(ctx, tx, commitmentID, domain.CommitmentConfirmed, &txHash, &explorer, &now); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	c.Status = domain.CommitmentConfirmed
	c.TxHash = &txHash
	c.ExplorerURL = &explorer
	c.ConfirmedAt = &now
	return c, nil
}

// MarkFailed records a failed anchoring attempt. No transaction hash is
// presented for FAILED commitments.
func (t Tracker) MarkFailed(ctx context.Context, commitmentID string) (domain.Commitment, error) {
	c, err := t.Repo.GetCommitment(ctx, commitmentID)
	if err != nil {
		return c, err
	}
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := t.Repo.UpdateCommitmentStatus(ctx, tx, commitmentID, domain.CommitmentFailed, nil, nil, nil); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	c.Status = domain.CommitmentFailed
	c.TxHash = nil
	c.ExplorerURL = nil
	return c, nil
}
