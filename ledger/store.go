/*
store.go - Persistence contract for the three ledger records

PURPOSE:
  Defines the interface between the engines and the database. The durable
  contract is three logical records (SystemBudget, ResourceRequest,
  Grievance.budget) plus the append-only audit log.

TRANSACTIONS:
  Every money-moving operation runs inside WithTx. Implementations must
  serialize writers on the envelope so two admins cannot both pass the
  available check against the same balance:
  - store/sqlite: process lock + immediate transactions
  - store/postgres: SELECT ... FOR UPDATE on the active envelope row
  - ledger/store: store-wide lock with snapshot rollback

VERSIONING:
  Save* compares the record's Version with the stored one. Version 0 means
  insert. On success Version is incremented in place; a mismatch returns
  ErrConcurrentModification.

SINGLE ACTIVE ENVELOPE:
  At most one SystemBudget may be active. SaveEnvelope returns
  ErrActiveBudgetExists when the write would create a second one.

NOT FOUND:
  Getters return (nil, nil) for a missing record. The Service turns that into
  a NotFoundError with the entity kind.
*/
package ledger

import "context"

// Reader is the read side shared by the store and its transactions.
type Reader interface {
	// ActiveEnvelope returns the single active envelope, or nil.
	// Inside a transaction the row is locked for the rest of the transaction.
	ActiveEnvelope(ctx context.Context) (*SystemBudget, error)
	GetEnvelope(ctx context.Context, id string) (*SystemBudget, error)
	ListEnvelopes(ctx context.Context) ([]SystemBudget, error)

	GetGrievance(ctx context.Context, id string) (*Grievance, error)
	ListGrievances(ctx context.Context, filter GrievanceFilter) ([]Grievance, error)

	GetRequest(ctx context.Context, id string) (*ResourceRequest, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]ResourceRequest, error)

	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// Tx is a unit of work. Writes become visible only when WithTx commits.
type Tx interface {
	Reader

	SaveEnvelope(ctx context.Context, b *SystemBudget) error
	SaveGrievance(ctx context.Context, g *Grievance) error
	SaveRequest(ctx context.Context, r *ResourceRequest) error

	// AppendAudit is the only write on the audit log. No update, no delete.
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// Store is the ledger's persistence.
type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

type GrievanceFilter struct {
	Status     TaskStatus
	AssignedTo string
}

type RequestFilter struct {
	GrievanceID string
	Statuses    []RequestStatus
}

// Matches is used by stores that filter in memory.
func (f RequestFilter) Matches(r *ResourceRequest) bool {
	if f.GrievanceID != "" && r.GrievanceID != f.GrievanceID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

func (f GrievanceFilter) Matches(g *Grievance) bool {
	if f.Status != "" && g.Status != f.Status {
		return false
	}
	return f.AssignedTo == "" || g.AssignedTo == f.AssignedTo
}
