package catalog

import (
	"context"
	"database/sql"
)

// Proposal is the ballot state for a single chunk's placement commit:
// promised ballot, accepted ballot + value, and the phase the commit
// has reached. Proposals for distinct chunk ids never interact.
type Proposal struct {
	ChunkID        string
	PromisedBallot int64
	AcceptedBallot int64
	AcceptedValue  string
	Phase          string
}

// GetProposalTx fetches a chunk's ballot state, returning a zero-value
// ("none" phase, ballot 0) Proposal if no row exists yet rather than an
// error — every chunk starts in that implicit state.
func GetProposalTx(ctx context.Context, tx *sql.Tx, chunkID string) (Proposal, error) {
	p := Proposal{ChunkID: chunkID, Phase: "none"}
	err := tx.QueryRowContext(ctx, `
		SELECT promised_ballot, accepted_ballot, accepted_value, phase FROM proposals WHERE chunk_id = ?`, chunkID).
		Scan(&p.PromisedBallot, &p.AcceptedBallot, &p.AcceptedValue, &p.Phase)
	if err == sql.ErrNoRows {
		return p, nil
	}
	if err != nil {
		return Proposal{}, Error.Wrap(err)
	}
	return p, nil
}

// GetProposal is the read-only, non-transactional variant of
// GetProposalTx, backing the proposal inspection endpoint.
func (db *DB) GetProposal(ctx context.Context, chunkID string) (Proposal, error) {
	p := Proposal{ChunkID: chunkID, Phase: "none"}
	err := db.sql.QueryRowContext(ctx, `
		SELECT promised_ballot, accepted_ballot, accepted_value, phase FROM proposals WHERE chunk_id = ?`, chunkID).
		Scan(&p.PromisedBallot, &p.AcceptedBallot, &p.AcceptedValue, &p.Phase)
	if err == sql.ErrNoRows {
		return p, nil
	}
	if err != nil {
		return Proposal{}, Error.Wrap(err)
	}
	return p, nil
}

// UpsertProposalTx writes a chunk's ballot state.
func UpsertProposalTx(ctx context.Context, tx *sql.Tx, p Proposal) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO proposals (chunk_id, promised_ballot, accepted_ballot, accepted_value, phase)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET
			promised_ballot = excluded.promised_ballot,
			accepted_ballot = excluded.accepted_ballot,
			accepted_value  = excluded.accepted_value,
			phase           = excluded.phase`,
		p.ChunkID, p.PromisedBallot, p.AcceptedBallot, p.AcceptedValue, p.Phase)
	return Error.Wrap(err)
}
