package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/capstan-io/capstan"
)

// SQL is a ledger backed by a SQL database.
type SQL struct {
	db *sqlx.DB
}

func NewSQL(db *sqlx.DB) *SQL {
	return &SQL{db: db}
}

type deploymentRow struct {
	ID                string    `db:"id"`
	Service           string    `db:"service"`
	Environment       string    `db:"environment"`
	ArtifactVersion   string    `db:"artifact_version"`
	ArtifactDigest    string    `db:"artifact_digest"`
	ArtifactCreatedAt time.Time `db:"artifact_created_at"`
	State             string    `db:"state"`
	SnapshotRef       string    `db:"snapshot_ref"`
	FailureReason     string    `db:"failure_reason"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r deploymentRow) deployment() capstan.Deployment {
	return capstan.Deployment{
		ID:              capstan.DeploymentID(r.ID),
		ServiceName:     r.Service,
		EnvironmentName: r.Environment,
		Artifact: capstan.Artifact{
			ServiceName:   r.Service,
			Version:       r.ArtifactVersion,
			ContentDigest: r.ArtifactDigest,
			CreatedAt:     r.ArtifactCreatedAt,
		},
		State:         capstan.DeploymentState(r.State),
		SnapshotRef:   capstan.SnapshotID(r.SnapshotRef),
		FailureReason: r.FailureReason,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

type transitionRow struct {
	DeploymentID string    `db:"deployment_id"`
	FromState    string    `db:"from_state"`
	ToState      string    `db:"to_state"`
	Metadata     string    `db:"metadata"`
	RecordedAt   time.Time `db:"recorded_at"`
}

func (r transitionRow) transition() (Transition, error) {
	t := Transition{
		DeploymentID: capstan.DeploymentID(r.DeploymentID),
		FromState:    capstan.DeploymentState(r.FromState),
		ToState:      capstan.DeploymentState(r.ToState),
		RecordedAt:   r.RecordedAt,
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &t.Metadata); err != nil {
			return Transition{}, errors.Wrap(err, "unmarshaling transition metadata")
		}
	}
	return t, nil
}

func (s *SQL) CreateDeployment(ctx context.Context, d capstan.Deployment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployments
			(id, service, environment, artifact_version, artifact_digest, artifact_created_at,
			 state, snapshot_ref, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		string(d.ID), d.ServiceName, d.EnvironmentName,
		d.Artifact.Version, d.Artifact.ContentDigest, d.Artifact.CreatedAt,
		string(d.State), string(d.SnapshotRef), d.FailureReason, d.CreatedAt, d.UpdatedAt,
	)
	return errors.Wrap(err, "inserting deployment")
}

func (s *SQL) RecordTransition(ctx context.Context, id capstan.DeploymentID, from, to capstan.DeploymentState, metadata map[string]string) error {
	metadataJSON := "{}"
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return errors.Wrap(err, "marshaling transition metadata")
		}
		metadataJSON = string(b)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowxContext(ctx, `SELECT state FROM deployments WHERE id = $1`, string(id)).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNoSuchDeployment
	}
	if err != nil {
		return errors.Wrap(err, "reading current state")
	}
	if capstan.DeploymentState(current) != from || !capstan.ValidTransition(from, to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s (current %s)", from, to, current)
	}

	now := time.Now().UTC()
	if reason := metadata[MetadataReason]; reason != "" {
		_, err = tx.ExecContext(ctx, `UPDATE deployments SET state = $1, failure_reason = $2, updated_at = $3 WHERE id = $4`,
			string(to), reason, now, string(id))
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE deployments SET state = $1, updated_at = $2 WHERE id = $3`,
			string(to), now, string(id))
	}
	if err != nil {
		return errors.Wrap(err, "updating deployment state")
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO transitions (deployment_id, from_state, to_state, metadata, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`,
		string(id), string(from), string(to), metadataJSON, now,
	); err != nil {
		return errors.Wrap(err, "appending transition")
	}

	return errors.Wrap(tx.Commit(), "committing transition")
}

func (s *SQL) SetSnapshotRef(ctx context.Context, id capstan.DeploymentID, ref capstan.SnapshotID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE deployments SET snapshot_ref = $1, updated_at = $2 WHERE id = $3`,
		string(ref), time.Now().UTC(), string(id))
	if err != nil {
		return errors.Wrap(err, "setting snapshot ref")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoSuchDeployment
	}
	return nil
}

func (s *SQL) GetDeployment(ctx context.Context, id capstan.DeploymentID) (capstan.Deployment, error) {
	var row deploymentRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM deployments WHERE id = $1`, string(id))
	if err == sql.ErrNoRows {
		return capstan.Deployment{}, ErrNoSuchDeployment
	}
	if err != nil {
		return capstan.Deployment{}, errors.Wrap(err, "getting deployment")
	}
	return row.deployment(), nil
}

func (s *SQL) ActiveDeployment(ctx context.Context, target capstan.Target) (capstan.Deployment, bool, error) {
	var row deploymentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM deployments
		 WHERE service = $1 AND environment = $2
		   AND state NOT IN ($3, $4, $5)
		 ORDER BY created_at DESC LIMIT 1`,
		target.ServiceName, target.EnvironmentName,
		string(capstan.StateSucceeded), string(capstan.StateRolledBack), string(capstan.StateRollbackFailed),
	)
	if err == sql.ErrNoRows {
		return capstan.Deployment{}, false, nil
	}
	if err != nil {
		return capstan.Deployment{}, false, errors.Wrap(err, "querying active deployment")
	}
	return row.deployment(), true, nil
}

func (s *SQL) LatestSucceeded(ctx context.Context, target capstan.Target) (capstan.Deployment, bool, error) {
	var row deploymentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM deployments
		 WHERE service = $1 AND environment = $2 AND state = $3
		 ORDER BY updated_at DESC LIMIT 1`,
		target.ServiceName, target.EnvironmentName, string(capstan.StateSucceeded),
	)
	if err == sql.ErrNoRows {
		return capstan.Deployment{}, false, nil
	}
	if err != nil {
		return capstan.Deployment{}, false, errors.Wrap(err, "querying latest succeeded deployment")
	}
	return row.deployment(), true, nil
}

func (s *SQL) LatestDeployment(ctx context.Context, target capstan.Target) (capstan.Deployment, bool, error) {
	var row deploymentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM deployments
		 WHERE service = $1 AND environment = $2
		 ORDER BY created_at DESC LIMIT 1`,
		target.ServiceName, target.EnvironmentName,
	)
	if err == sql.ErrNoRows {
		return capstan.Deployment{}, false, nil
	}
	if err != nil {
		return capstan.Deployment{}, false, errors.Wrap(err, "querying latest deployment")
	}
	return row.deployment(), true, nil
}

func (s *SQL) HasSucceeded(ctx context.Context, target capstan.Target, contentDigest string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM deployments
		 WHERE service = $1 AND environment = $2 AND artifact_digest = $3 AND state = $4`,
		target.ServiceName, target.EnvironmentName, contentDigest, string(capstan.StateSucceeded),
	)
	if err != nil {
		return false, errors.Wrap(err, "querying succeeded artifact")
	}
	return count > 0, nil
}

func (s *SQL) NonTerminal(ctx context.Context) ([]capstan.Deployment, error) {
	var rows []deploymentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM deployments
		 WHERE state NOT IN ($1, $2, $3)
		 ORDER BY created_at`,
		string(capstan.StateSucceeded), string(capstan.StateRolledBack), string(capstan.StateRollbackFailed),
	)
	if err != nil {
		return nil, errors.Wrap(err, "querying non-terminal deployments")
	}
	out := make([]capstan.Deployment, len(rows))
	for i, row := range rows {
		out[i] = row.deployment()
	}
	return out, nil
}

func (s *SQL) Transitions(ctx context.Context, id capstan.DeploymentID) ([]Transition, error) {
	var rows []transitionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT deployment_id, from_state, to_state, metadata, recorded_at
		  FROM transitions WHERE deployment_id = $1 ORDER BY seq`,
		string(id))
	if err != nil {
		return nil, errors.Wrap(err, "querying transitions")
	}
	return transitionsOf(rows)
}

func (s *SQL) History(ctx context.Context, target capstan.Target) ([]Transition, error) {
	var rows []transitionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT t.deployment_id, t.from_state, t.to_state, t.metadata, t.recorded_at
		  FROM transitions t
		  JOIN deployments d ON d.id = t.deployment_id
		 WHERE d.service = $1 AND d.environment = $2
		 ORDER BY t.seq DESC`,
		target.ServiceName, target.EnvironmentName)
	if err != nil {
		return nil, errors.Wrap(err, "querying history")
	}
	return transitionsOf(rows)
}

func transitionsOf(rows []transitionRow) ([]Transition, error) {
	out := make([]Transition, len(rows))
	for i, row := range rows {
		t, err := row.transition()
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

func (s *SQL) PutSnapshot(ctx context.Context, snap capstan.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, environment, captured_spec, captured_at)
		VALUES ($1, $2, $3, $4)`,
		string(snap.ID), snap.EnvironmentName, snap.CapturedSpec, snap.CapturedAt)
	return errors.Wrap(err, "inserting snapshot")
}

func (s *SQL) GetSnapshot(ctx context.Context, id capstan.SnapshotID) (capstan.Snapshot, error) {
	var row struct {
		ID           string    `db:"id"`
		Environment  string    `db:"environment"`
		CapturedSpec []byte    `db:"captured_spec"`
		CapturedAt   time.Time `db:"captured_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM snapshots WHERE id = $1`, string(id))
	if err == sql.ErrNoRows {
		return capstan.Snapshot{}, ErrNoSuchSnapshot
	}
	if err != nil {
		return capstan.Snapshot{}, errors.Wrap(err, "getting snapshot")
	}
	return capstan.Snapshot{
		ID:              capstan.SnapshotID(row.ID),
		EnvironmentName: row.Environment,
		CapturedSpec:    row.CapturedSpec,
		CapturedAt:      row.CapturedAt,
	}, nil
}

func (s *SQL) PruneSnapshots(ctx context.Context, environmentName string, keep int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots
		 WHERE environment = $1
		   AND id NOT IN (
			SELECT id FROM snapshots WHERE environment = $1
			 ORDER BY captured_at DESC LIMIT $2)
		   AND id NOT IN (
			SELECT snapshot_ref FROM deployments
			 WHERE snapshot_ref != '' AND state NOT IN ($3, $4, $5))`,
		environmentName, keep,
		string(capstan.StateSucceeded), string(capstan.StateRolledBack), string(capstan.StateRollbackFailed),
	)
	return errors.Wrap(err, "pruning snapshots")
}

func (s *SQL) CreateApproval(ctx context.Context, req capstan.ApprovalRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (deployment_id, requested_at, decision, decided_by)
		VALUES ($1, $2, $3, $4)`,
		string(req.DeploymentID), req.RequestedAt, string(req.Decision), req.DecidedBy)
	return errors.Wrap(err, "inserting approval request")
}

func (s *SQL) GetApproval(ctx context.Context, id capstan.DeploymentID) (capstan.ApprovalRequest, bool, error) {
	var row struct {
		DeploymentID string       `db:"deployment_id"`
		RequestedAt  time.Time    `db:"requested_at"`
		Decision     string       `db:"decision"`
		DecidedBy    string       `db:"decided_by"`
		DecidedAt    sql.NullTime `db:"decided_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM approvals WHERE deployment_id = $1`, string(id))
	if err == sql.ErrNoRows {
		return capstan.ApprovalRequest{}, false, nil
	}
	if err != nil {
		return capstan.ApprovalRequest{}, false, errors.Wrap(err, "getting approval request")
	}
	req := capstan.ApprovalRequest{
		DeploymentID: capstan.DeploymentID(row.DeploymentID),
		RequestedAt:  row.RequestedAt,
		Decision:     capstan.ApprovalDecision(row.Decision),
		DecidedBy:    row.DecidedBy,
	}
	if row.DecidedAt.Valid {
		req.DecidedAt = row.DecidedAt.Time
	}
	return req, true, nil
}

func (s *SQL) ResolveApproval(ctx context.Context, id capstan.DeploymentID, decision capstan.ApprovalDecision, actor string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET decision = $1, decided_by = $2, decided_at = $3
		 WHERE deployment_id = $4 AND decision = $5`,
		string(decision), actor, at, string(id), string(capstan.ApprovalPending))
	if err != nil {
		return errors.Wrap(err, "resolving approval")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, ok, gerr := s.GetApproval(ctx, id); gerr == nil && ok {
			return errors.Wrapf(ErrApprovalDecided, "deployment %s", id)
		}
		return errors.Errorf("no approval request for deployment %s", id)
	}
	return nil
}

func (s *SQL) Close() error { return s.db.Close() }
