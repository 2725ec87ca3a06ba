package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/erp-approval-api/internal/models"
)

func newInstanceRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestInstanceRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newInstanceRepoMock(t)
	defer cleanup()

	repo := NewInstanceRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO workflow_instances")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO workflow_approvals")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	instance := &models.WorkflowInstance{
		TemplateID:  "tpl-1",
		RequesterID: "req-1",
		Status:      models.InstanceInReview,
		Approvals: []models.Approval{
			{ID: "ap-1", StageID: "s0", ApproverID: "mgr", Status: models.ApprovalPendingVote},
		},
	}
	require.NoError(t, repo.Create(context.Background(), instance))
	require.NotEmpty(t, instance.ID)
	require.EqualValues(t, 1, instance.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInstanceRepositoryGetByID(t *testing.T) {
	db, mock, cleanup := newInstanceRepoMock(t)
	defer cleanup()

	repo := NewInstanceRepository(db)
	now := time.Now()
	instanceRows := sqlmock.NewRows([]string{"id", "template_id", "requester_id", "status", "current_stage_index", "stage_entered_at", "payload", "version", "created_at", "updated_at", "completed_at"}).
		AddRow("inst-1", "tpl-1", "req-1", "IN_REVIEW", 0, now, nil, 3, now, now, nil)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, template_id, requester_id")).
		WithArgs("inst-1").
		WillReturnRows(instanceRows)

	approvalRows := sqlmock.NewRows([]string{"id", "instance_id", "stage_id", "approver_id", "status", "comment", "delegated_to", "decided_by", "decided_at", "created_at"}).
		AddRow("ap-1", "inst-1", "s0", "mgr", "PENDING", nil, nil, nil, nil, now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, instance_id, stage_id")).
		WithArgs("inst-1").
		WillReturnRows(approvalRows)

	instance, err := repo.GetByID(context.Background(), "inst-1")
	require.NoError(t, err)
	require.Equal(t, "inst-1", instance.ID)
	require.EqualValues(t, 3, instance.Version)
	require.Len(t, instance.Approvals, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInstanceRepositoryApplyTransition(t *testing.T) {
	db, mock, cleanup := newInstanceRepoMock(t)
	defer cleanup()

	repo := NewInstanceRepository(db)
	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE workflow_instances")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE workflow_approvals")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO workflow_approvals")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := repo.ApplyTransition(context.Background(), TransitionParams{
		InstanceID:      "inst-1",
		ExpectedVersion: 3,
		Status:          models.InstanceInReview,
		StageIndex:      1,
		StageEnteredAt:  now,
		Decision: &ApprovalDecision{
			ApprovalID: "ap-1",
			Status:     models.ApprovalApproved,
			DecidedBy:  "mgr",
			DecidedAt:  now,
		},
		NewApprovals: []models.Approval{
			{ID: "ap-2", InstanceID: "inst-1", StageID: "s1", ApproverID: "fin1", Status: models.ApprovalPendingVote},
		},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInstanceRepositoryApplyTransitionVersionConflict(t *testing.T) {
	db, mock, cleanup := newInstanceRepoMock(t)
	defer cleanup()

	repo := NewInstanceRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE workflow_instances")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.ApplyTransition(context.Background(), TransitionParams{
		InstanceID:      "inst-1",
		ExpectedVersion: 2,
		Status:          models.InstanceInReview,
		StageEnteredAt:  time.Now().UTC(),
	})
	require.ErrorIs(t, err, ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInstanceRepositorySetDelegate(t *testing.T) {
	db, mock, cleanup := newInstanceRepoMock(t)
	defer cleanup()

	repo := NewInstanceRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE workflow_instances SET version = version + 1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE workflow_approvals SET delegated_to")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.SetDelegate(context.Background(), "inst-1", 3, "ap-1", "deputy"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInstanceRepositorySetDelegateDecidedSlot(t *testing.T) {
	db, mock, cleanup := newInstanceRepoMock(t)
	defer cleanup()

	repo := NewInstanceRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE workflow_instances SET version = version + 1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE workflow_approvals SET delegated_to")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.SetDelegate(context.Background(), "inst-1", 3, "ap-1", "deputy")
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInstanceRepositoryListFilters(t *testing.T) {
	db, mock, cleanup := newInstanceRepoMock(t)
	defer cleanup()

	repo := NewInstanceRepository(db)
	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "template_id", "requester_id", "status", "current_stage_index", "stage_entered_at", "payload", "version", "created_at", "updated_at", "completed_at"}).
		AddRow("inst-1", "tpl-1", "req-1", "IN_REVIEW", 0, now, nil, 1, now, now, nil)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, template_id, requester_id")).
		WithArgs("IN_REVIEW", "req-1").
		WillReturnRows(rows)

	list, err := repo.List(context.Background(), models.InstanceFilter{
		Status:      []models.InstanceStatus{models.InstanceInReview},
		RequesterID: "req-1",
	})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "inst-1", list[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInstanceRepositoryPendingFor(t *testing.T) {
	db, mock, cleanup := newInstanceRepoMock(t)
	defer cleanup()

	repo := NewInstanceRepository(db)
	now := time.Now()
	sla := 24
	rows := sqlmock.NewRows([]string{"approval_id", "instance_id", "template_id", "stage_id", "stage_index", "requester_id", "delegated", "payload", "sla_hours", "entered_at"}).
		AddRow("ap-1", "inst-1", "tpl-1", "s0", 0, "req-1", true, nil, sla, now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT a.id AS approval_id")).
		WithArgs("deputy").
		WillReturnRows(rows)

	slots, err := repo.PendingFor(context.Background(), "deputy")
	require.NoError(t, err)
	require.Len(t, slots, 1)
	require.True(t, slots[0].Delegated)
	require.NotNil(t, slots[0].SLAHours)
	require.NoError(t, mock.ExpectationsWereMet())
}
