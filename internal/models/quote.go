package models

import (
	"encoding/json"
	"math"
	"time"
)

type SparePart struct {
	Name  string `json:"name"`
	Price Money  `json:"price"`
}

type Quote struct {
	ID           string      `json:"id"`
	RequestID    string      `json:"requestId"`
	Version      int         `json:"version"`
	BasePrice    Money       `json:"basePrice"`
	SpareParts   []SparePart `json:"spareParts"`
	PlatformFee  Money       `json:"platformFee"`
	TaxAmount    Money       `json:"taxAmount"`
	IsFinal      bool        `json:"isFinal"`
	ApprovedAt   *time.Time  `json:"approvedAt,omitempty"`
	SupersededBy *string     `json:"supersededBy,omitempty"`
	SupersededAt *time.Time  `json:"supersededAt,omitempty"`
	FinalizedAt  *time.Time  `json:"finalizedAt,omitempty"`
	RejectedAt   *time.Time  `json:"rejectedAt,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// Total sums the components, failing on overflow. The write path rejects quotes
// that do not fit, so stored quotes always have a total.
func (q *Quote) Total() (Money, error) {
	parts := make([]Money, 0, len(q.SpareParts)+3)
	parts = append(parts, q.BasePrice, q.PlatformFee, q.TaxAmount)
	for _, p := range q.SpareParts {
		parts = append(parts, p.Price)
	}
	return Sum(parts...)
}

// DynamicTotal is always derived from the components; no stored or client-supplied
// total is ever trusted. An unrepresentable total saturates instead of wrapping.
func (q *Quote) DynamicTotal() Money {
	total, err := q.Total()
	if err != nil {
		return Money(math.MaxInt64)
	}
	return total
}

func (q *Quote) SparePartsTotal() Money {
	var total Money
	for _, p := range q.SpareParts {
		total += p.Price
	}
	return total
}

// PendingApproval is the single quote per request that blocks completion.
func (q *Quote) PendingApproval() bool {
	return q.IsFinal && q.ApprovedAt == nil
}

func (q *Quote) Superseded() bool {
	return q.SupersededBy != nil
}

// Rejected quotes are archived: no longer final, waiting for the provider to revise.
func (q *Quote) Rejected() bool {
	return q.RejectedAt != nil
}

func (q *Quote) Clone() *Quote {
	if q == nil {
		return nil
	}
	c := *q
	c.SpareParts = append([]SparePart(nil), q.SpareParts...)
	c.ApprovedAt = clonePtr(q.ApprovedAt)
	c.SupersededBy = clonePtr(q.SupersededBy)
	c.SupersededAt = clonePtr(q.SupersededAt)
	c.FinalizedAt = clonePtr(q.FinalizedAt)
	c.RejectedAt = clonePtr(q.RejectedAt)
	return &c
}

func (q Quote) MarshalJSON() ([]byte, error) {
	type plain Quote
	return json.Marshal(struct {
		plain
		DynamicTotal Money `json:"dynamicTotal"`
	}{plain: plain(q), DynamicTotal: q.DynamicTotal()})
}
