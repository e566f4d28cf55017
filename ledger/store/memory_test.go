package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civictrack/budget-ledger/ledger"
	"github.com/civictrack/budget-ledger/ledger/store"
)

func envelope(id string, status ledger.BudgetStatus) *ledger.SystemBudget {
	return &ledger.SystemBudget{
		ID:          id,
		FiscalYear:  "2026-27",
		Operational: ledger.OperationalBudget{Allocated: ledger.NewMoneyFromInt(100000)},
		CategoryBudgets: []ledger.CategoryBudget{
			{Category: "roads", Allocated: ledger.NewMoneyFromInt(60000)},
		},
		Status:    status,
		CreatedAt: time.Now(),
	}
}

func TestMemory_RollbackOnError(t *testing.T) {
	// GIVEN: a saved envelope
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.SaveEnvelope(ctx, envelope("b-1", ledger.BudgetActive))
	}))

	// WHEN: a transaction writes everything and then fails
	boom := errors.New("boom")
	err := m.WithTx(ctx, func(tx ledger.Tx) error {
		env, err := tx.ActiveEnvelope(ctx)
		if err != nil {
			return err
		}
		env.Operational.Spent = ledger.NewMoneyFromInt(500)
		if err := tx.SaveEnvelope(ctx, env); err != nil {
			return err
		}
		if err := tx.SaveGrievance(ctx, &ledger.Grievance{ID: "g-1", Title: "Pothole", Category: "roads"}); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, ledger.AuditEntry{ID: "a-1", Action: ledger.AuditBudgetAllocated}); err != nil {
			return err
		}
		return boom
	})

	// THEN: nothing of it is visible
	require.ErrorIs(t, err, boom)
	env, err := m.ActiveEnvelope(ctx)
	require.NoError(t, err)
	assert.True(t, env.Operational.Spent.IsZero())
	assert.Equal(t, int64(1), env.Version)

	g, err := m.GetGrievance(ctx, "g-1")
	require.NoError(t, err)
	assert.Nil(t, g)

	entries, err := m.QueryAudit(ctx, ledger.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemory_VersionConflict(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	g := &ledger.Grievance{ID: "g-1", Title: "Pothole", Category: "roads"}
	require.NoError(t, m.WithTx(ctx, func(tx ledger.Tx) error { return tx.SaveGrievance(ctx, g) }))
	assert.Equal(t, int64(1), g.Version)

	// Two readers load version 1; the second save loses.
	first, err := m.GetGrievance(ctx, "g-1")
	require.NoError(t, err)
	second, err := m.GetGrievance(ctx, "g-1")
	require.NoError(t, err)

	require.NoError(t, m.WithTx(ctx, func(tx ledger.Tx) error { return tx.SaveGrievance(ctx, first) }))
	err = m.WithTx(ctx, func(tx ledger.Tx) error { return tx.SaveGrievance(ctx, second) })
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	// Updating a record that was never inserted is also a conflict.
	err = m.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.SaveRequest(ctx, &ledger.ResourceRequest{ID: "r-404", Version: 3})
	})
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
}

func TestMemory_SingleActiveEnvelope(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.SaveEnvelope(ctx, envelope("b-1", ledger.BudgetActive))
	}))

	err := m.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.SaveEnvelope(ctx, envelope("b-2", ledger.BudgetActive))
	})
	assert.ErrorIs(t, err, ledger.ErrActiveBudgetExists)

	require.NoError(t, m.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.SaveEnvelope(ctx, envelope("b-2", ledger.BudgetDraft))
	}))
	all, err := m.ListEnvelopes(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemory_ReadsReturnCopies(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.SaveEnvelope(ctx, envelope("b-1", ledger.BudgetActive))
	}))

	env, err := m.GetEnvelope(ctx, "b-1")
	require.NoError(t, err)
	env.CategoryBudgets[0].Pending = ledger.NewMoneyFromInt(999)
	env.Operational.Reserved = ledger.NewMoneyFromInt(999)

	again, err := m.GetEnvelope(ctx, "b-1")
	require.NoError(t, err)
	assert.True(t, again.CategoryBudgets[0].Pending.IsZero())
	assert.True(t, again.Operational.Reserved.IsZero())
}

func TestMemory_Filters(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	now := time.Now()
	require.NoError(t, m.WithTx(ctx, func(tx ledger.Tx) error {
		for _, g := range []*ledger.Grievance{
			{ID: "g-1", Status: ledger.TaskResolved, AssignedTo: "eng-1", CreatedAt: now},
			{ID: "g-2", Status: ledger.TaskResolved, AssignedTo: "eng-2", CreatedAt: now.Add(time.Second)},
			{ID: "g-3", Status: ledger.TaskAssigned, AssignedTo: "eng-1", CreatedAt: now.Add(2 * time.Second)},
		} {
			if err := tx.SaveGrievance(ctx, g); err != nil {
				return err
			}
		}
		for _, r := range []*ledger.ResourceRequest{
			{ID: "r-1", GrievanceID: "g-1", Status: ledger.RequestApproved},
			{ID: "r-2", GrievanceID: "g-1", Status: ledger.RequestRejected},
			{ID: "r-3", GrievanceID: "g-2", Status: ledger.RequestDelivered},
		} {
			if err := tx.SaveRequest(ctx, r); err != nil {
				return err
			}
		}
		for i, action := range []ledger.AuditAction{ledger.AuditRequestApproved, ledger.AuditResourceDelivered, ledger.AuditRequestApproved} {
			if err := tx.AppendAudit(ctx, ledger.AuditEntry{ID: string(rune('a' + i)), Action: action, TargetID: "r-1"}); err != nil {
				return err
			}
		}
		return nil
	}))

	resolved, err := m.ListGrievances(ctx, ledger.GrievanceFilter{Status: ledger.TaskResolved})
	require.NoError(t, err)
	require.Len(t, resolved, 2)
	assert.Equal(t, "g-1", resolved[0].ID)
	assert.Equal(t, "g-2", resolved[1].ID)

	mine, err := m.ListGrievances(ctx, ledger.GrievanceFilter{AssignedTo: "eng-1"})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	funded, err := m.ListRequests(ctx, ledger.RequestFilter{
		GrievanceID: "g-1",
		Statuses:    []ledger.RequestStatus{ledger.RequestApproved, ledger.RequestDelivered},
	})
	require.NoError(t, err)
	require.Len(t, funded, 1)
	assert.Equal(t, "r-1", funded[0].ID)

	approvals, err := m.QueryAudit(ctx, ledger.AuditFilter{Action: ledger.AuditRequestApproved, Limit: 1})
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, "c", approvals[0].ID, "newest first")
}

func TestMemory_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := store.NewMemory().WithTx(ctx, func(ledger.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
