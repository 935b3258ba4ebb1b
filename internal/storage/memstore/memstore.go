// Package memstore is the in-process RequestStore used by tests and the "memory"
// storage driver. Writes are staged per transaction and merged on commit; row locks
// are held from first touch until the transaction ends, like SELECT ... FOR UPDATE.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BearBump/AidBox/internal/keylock"
	"github.com/BearBump/AidBox/internal/models"
	"github.com/BearBump/AidBox/internal/storage"
	"github.com/pkg/errors"
)

type escalation struct {
	count  int32
	nextAt time.Time
}

type Store struct {
	rows *keylock.Map

	mu       sync.RWMutex
	requests map[string]*models.ServiceRequest
	quotes   map[string]*models.Quote
	chats    map[string][]*models.ChatMessage
	audit    map[string][]*models.AuditEntry
	esc      map[string]*escalation
	auditSeq uint64
}

var _ storage.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		rows:     keylock.New(),
		requests: make(map[string]*models.ServiceRequest),
		quotes:   make(map[string]*models.Quote),
		chats:    make(map[string][]*models.ChatMessage),
		audit:    make(map[string][]*models.AuditEntry),
		esc:      make(map[string]*escalation),
	}
}

func (s *Store) Atomic(ctx context.Context, fn func(tx storage.Tx) error) error {
	t := &tx{
		s:        s,
		ctx:      ctx,
		held:     make(map[string]func()),
		requests: make(map[string]*models.ServiceRequest),
		quotes:   make(map[string]*models.Quote),
		inserted: make(map[string]bool),
	}
	defer t.release()

	if err := fn(t); err != nil {
		return err
	}
	return t.commit()
}

func (s *Store) GetRequest(_ context.Context, id string) (*models.ServiceRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *Store) ListRequests(_ context.Context, f models.RequestFilter) ([]*models.ServiceRequest, error) {
	limit, offset := storage.NormalizePage(f.Limit, f.Offset)

	s.mu.RLock()
	out := make([]*models.ServiceRequest, 0)
	for _, r := range s.requests {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.CustomerID != 0 && r.CustomerID != f.CustomerID {
			continue
		}
		if f.ProviderID != 0 && !r.IsAssignedTo(f.ProviderID) {
			continue
		}
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, limit, offset), nil
}

func (s *Store) GetQuote(_ context.Context, id string) (*models.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return q.Clone(), nil
}

func (s *Store) ListQuotes(_ context.Context, requestID string) ([]*models.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quotesOf(requestID), nil
}

// quotesOf must be called with s.mu held.
func (s *Store) quotesOf(requestID string) []*models.Quote {
	out := make([]*models.Quote, 0)
	for _, q := range s.quotes {
		if q.RequestID == requestID {
			out = append(out, q.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

func (s *Store) ListChatMessages(_ context.Context, requestID string, limit, offset int) ([]*models.ChatMessage, error) {
	limit, offset = storage.NormalizePage(limit, offset)
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.chats[requestID]
	out := make([]*models.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		c := *m
		out = append(out, &c)
	}
	return page(out, limit, offset), nil
}

func (s *Store) ListAudit(_ context.Context, requestID string) ([]*models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.AuditEntry, 0)
	for _, a := range s.audit[requestID] {
		c := *a
		out = append(out, &c)
	}
	return out, nil
}

// ClaimDuePending leases PENDING_DISPATCH requests whose escalation check is due.
func (s *Store) ClaimDuePending(_ context.Context, now time.Time, limit int, lease time.Duration) ([]*models.PendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.PendingRequest
	for id, e := range s.esc {
		r := s.requests[id]
		if r == nil || r.Status != models.StatusPendingDispatch || e.nextAt.After(now) {
			continue
		}
		due = append(due, &models.PendingRequest{Request: r.Clone(), EscalationCount: e.count})
	}
	sort.Slice(due, func(i, j int) bool {
		return s.esc[due[i].Request.ID].nextAt.Before(s.esc[due[j].Request.ID].nextAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, p := range due {
		s.esc[p.Request.ID].nextAt = now.Add(lease)
	}
	return due, nil
}

func (s *Store) CountPending(_ context.Context) (map[models.Priority]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[models.Priority]int64)
	for _, r := range s.requests {
		if r.Status == models.StatusPendingDispatch {
			out[r.Priority]++
		}
	}
	return out, nil
}

func (s *Store) ScheduleEscalation(_ context.Context, id string, count int32, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.requests[id]
	e := s.esc[id]
	if r == nil || e == nil {
		return storage.ErrNotFound
	}
	if r.Status != models.StatusPendingDispatch {
		return nil
	}
	e.count = count
	e.nextAt = next
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return items[:0]
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

type tx struct {
	s   *Store
	ctx context.Context

	held map[string]func()

	requests map[string]*models.ServiceRequest
	quotes   map[string]*models.Quote
	inserted map[string]bool // requests created by this tx
	chats    []*models.ChatMessage
	audits   []*models.AuditEntry
}

func (t *tx) lock(key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	unlock, err := t.s.rows.Lock(t.ctx, key)
	if err != nil {
		return errors.Wrap(err, "lock row")
	}
	t.held[key] = unlock
	return nil
}

func (t *tx) release() {
	for _, unlock := range t.held {
		unlock()
	}
}

// request returns the tx-local copy of a request, locking its row.
func (t *tx) request(id string) (*models.ServiceRequest, error) {
	if err := t.lock("request:" + id); err != nil {
		return nil, err
	}
	if r, ok := t.requests[id]; ok {
		return r, nil
	}
	r, err := t.s.GetRequest(t.ctx, id)
	if err != nil {
		return nil, err
	}
	t.requests[id] = r
	return r, nil
}

func (t *tx) quote(id string) (*models.Quote, error) {
	if err := t.lock("quote:" + id); err != nil {
		return nil, err
	}
	if q, ok := t.quotes[id]; ok {
		return q, nil
	}
	q, err := t.s.GetQuote(t.ctx, id)
	if err != nil {
		return nil, err
	}
	t.quotes[id] = q
	return q, nil
}

func (t *tx) InsertRequest(_ context.Context, r *models.ServiceRequest) error {
	if err := t.lock("request:" + r.ID); err != nil {
		return err
	}
	if _, err := t.s.GetRequest(t.ctx, r.ID); err == nil {
		return errors.Errorf("request %s already exists", r.ID)
	}
	t.requests[r.ID] = r.Clone()
	t.inserted[r.ID] = true
	return nil
}

func (t *tx) LockRequest(_ context.Context, id string) (*models.ServiceRequest, error) {
	r, err := t.request(id)
	if err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

func (t *tx) CompareAndSetStatus(_ context.Context, ch models.StatusChange) (bool, error) {
	r, err := t.request(ch.RequestID)
	if err != nil {
		return false, err
	}
	if r.Status != ch.From {
		return false, nil
	}
	r.Status = ch.To
	r.ProviderID = ch.ProviderID
	if ch.PreviousProviderID != nil {
		r.PreviousProviderID = ch.PreviousProviderID
	}
	if ch.CancelReason != nil {
		r.CancelReason = ch.CancelReason
	}
	if ch.CancelledBy != nil {
		r.CancelledBy = ch.CancelledBy
	}
	r.UpdatedAt = ch.At
	return true, nil
}

func (t *tx) UpdateProviderLocation(_ context.Context, id string, p models.GeoPoint, at time.Time) (bool, error) {
	r, err := t.request(id)
	if err != nil {
		return false, err
	}
	if r.ProviderLocationAt != nil && !at.After(*r.ProviderLocationAt) {
		return false, nil
	}
	r.ProviderLocation = &p
	r.ProviderLocationAt = &at
	return true, nil
}

func (t *tx) InsertQuote(_ context.Context, q *models.Quote) error {
	if err := t.lock("quote:" + q.ID); err != nil {
		return err
	}
	if _, err := t.s.GetQuote(t.ctx, q.ID); err == nil {
		return errors.Errorf("quote %s already exists", q.ID)
	}
	t.quotes[q.ID] = q.Clone()
	return nil
}

func (t *tx) LockQuote(_ context.Context, id string) (*models.Quote, error) {
	q, err := t.quote(id)
	if err != nil {
		return nil, err
	}
	return q.Clone(), nil
}

func (t *tx) UpdateQuote(_ context.Context, q *models.Quote) error {
	if _, err := t.quote(q.ID); err != nil {
		return err
	}
	t.quotes[q.ID] = q.Clone()
	return nil
}

func (t *tx) CurrentQuote(_ context.Context, requestID string) (*models.Quote, error) {
	t.s.mu.RLock()
	all := t.s.quotesOf(requestID)
	t.s.mu.RUnlock()

	byID := make(map[string]*models.Quote, len(all))
	for _, q := range all {
		byID[q.ID] = q
	}
	for id, q := range t.quotes {
		if q.RequestID == requestID {
			byID[id] = q.Clone()
		}
	}

	var cur *models.Quote
	for _, q := range byID {
		if q.Superseded() {
			continue
		}
		if cur == nil || q.Version > cur.Version {
			cur = q
		}
	}
	if cur == nil {
		return nil, storage.ErrNotFound
	}
	return cur, nil
}

func (t *tx) InsertChatMessage(_ context.Context, m *models.ChatMessage) error {
	c := *m
	t.chats = append(t.chats, &c)
	return nil
}

func (t *tx) InsertAudit(_ context.Context, a *models.AuditEntry) error {
	c := *a
	t.audits = append(t.audits, &c)
	return nil
}

// commit enforces the same constraints Postgres does (provider CHECK, unique quote
// version, single pending-approval quote) and then publishes the staged rows.
func (t *tx) commit() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for _, r := range t.requests {
		if (r.ProviderID != nil) != r.Status.RequiresProvider() {
			return errors.Errorf("request %s: provider binding violates status %s", r.ID, r.Status)
		}
	}

	touched := make(map[string]struct{})
	for _, q := range t.quotes {
		touched[q.RequestID] = struct{}{}
	}
	for requestID := range touched {
		versions := make(map[int]string)
		pending := 0
		for _, q := range t.mergedQuotes(requestID) {
			if other, ok := versions[q.Version]; ok && other != q.ID {
				return errors.Errorf("request %s: duplicate quote version %d", requestID, q.Version)
			}
			versions[q.Version] = q.ID
			if q.PendingApproval() {
				pending++
			}
		}
		if pending > 1 {
			return errors.Errorf("request %s: more than one quote pending approval", requestID)
		}
	}

	for id, r := range t.requests {
		t.s.requests[id] = r
		if t.inserted[id] {
			t.s.esc[id] = &escalation{nextAt: r.CreatedAt}
		}
	}
	for id, q := range t.quotes {
		t.s.quotes[id] = q
	}
	for _, m := range t.chats {
		t.s.chats[m.RequestID] = append(t.s.chats[m.RequestID], m)
	}
	for _, a := range t.audits {
		t.s.auditSeq++
		a.ID = t.s.auditSeq
		t.s.audit[a.RequestID] = append(t.s.audit[a.RequestID], a)
	}
	return nil
}

// mergedQuotes must be called with s.mu held.
func (t *tx) mergedQuotes(requestID string) []*models.Quote {
	byID := make(map[string]*models.Quote)
	for id, q := range t.s.quotes {
		if q.RequestID == requestID {
			byID[id] = q
		}
	}
	for id, q := range t.quotes {
		if q.RequestID == requestID {
			byID[id] = q
		}
	}
	out := make([]*models.Quote, 0, len(byID))
	for _, q := range byID {
		out = append(out, q)
	}
	return out
}
