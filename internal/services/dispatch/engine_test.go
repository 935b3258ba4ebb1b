package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/AidBox/internal/broadcast"
	"github.com/BearBump/AidBox/internal/clock"
	"github.com/BearBump/AidBox/internal/integrations/pricing/static"
	"github.com/BearBump/AidBox/internal/models"
	"github.com/BearBump/AidBox/internal/storage/memstore"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type harness struct {
	store  *memstore.Store
	bus    *broadcast.Broadcaster
	engine *Engine
	quotes *QuoteEngine
	chat   *ChatRelay
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, 0, nil)
}

func newHarnessWith(t *testing.T, taxBps int64, limiter RateLimiter) *harness {
	t.Helper()
	store := memstore.New()
	bus := broadcast.New(broadcast.Config{SubscriberBuffer: 1024}, clock.NewSequenceAt(0), nil, store, nil)
	engine := NewEngine(store, bus, nil, nil, nil, 0)

	catalog, err := static.New(map[string]map[string]string{"FOUR_WHEELER": {"TOWING": "100"}})
	require.NoError(t, err)

	return &harness{
		store:  store,
		bus:    bus,
		engine: engine,
		quotes: NewQuoteEngine(engine, catalog, taxBps),
		chat:   NewChatRelay(engine, limiter, 0),
	}
}

func (h *harness) create(t *testing.T, customerID int64) *models.ServiceRequest {
	t.Helper()
	r, err := h.engine.CreateRequest(context.Background(), models.CreateRequestInput{
		CustomerID:  customerID,
		ServiceType: models.ServiceTowing,
		Location:    models.GeoPoint{Lat: 12.97, Lng: 77.59},
		Notes:       "flat tyre near the toll gate",
	})
	require.NoError(t, err)
	return r
}

// inService drives a fresh request to SERVICE_IN_PROGRESS with the given provider.
func (h *harness) inService(t *testing.T, customerID, providerID int64) *models.ServiceRequest {
	t.Helper()
	ctx := context.Background()
	r := h.create(t, customerID)
	_, err := h.engine.AcceptRequest(ctx, r.ID, providerID)
	require.NoError(t, err)
	_, err = h.engine.AdvanceStatus(ctx, r.ID, models.Provider(providerID), models.StatusArrived)
	require.NoError(t, err)
	r, err = h.engine.AdvanceStatus(ctx, r.ID, models.Provider(providerID), models.StatusServiceInProgress)
	require.NoError(t, err)
	return r
}

func drain(t *testing.T, sub *broadcast.Subscription) []models.StatusEvent {
	t.Helper()
	var out []models.StatusEvent
	for sub.Pending() > 0 {
		ev, err := sub.Next(context.Background())
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func statusesOf(t *testing.T, evs []models.StatusEvent) []models.Status {
	t.Helper()
	var out []models.Status
	for _, ev := range evs {
		if ev.Kind != models.EventStatusChanged {
			continue
		}
		var p models.StatusChangedPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		out = append(out, p.To)
	}
	return out
}

func TestEngine_HappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r := h.create(t, 1)
	require.Equal(t, models.StatusPendingDispatch, r.Status)
	require.Equal(t, models.VehicleFourWheeler, r.VehicleType)
	require.Equal(t, models.PriorityNormal, r.Priority)

	sub, err := h.bus.Subscribe(r.ID, models.Ptr(uint64(0)))
	require.NoError(t, err)
	defer sub.Close()

	r, err = h.engine.AcceptRequest(ctx, r.ID, 7)
	require.NoError(t, err)
	require.Equal(t, int64(7), *r.ProviderID)

	_, err = h.engine.AdvanceStatus(ctx, r.ID, models.Provider(7), models.StatusArrived)
	require.NoError(t, err)
	_, err = h.engine.AdvanceStatus(ctx, r.ID, models.Provider(7), models.StatusServiceInProgress)
	require.NoError(t, err)

	q, err := h.quotes.OpenQuote(ctx, r.ID, models.Provider(7))
	require.NoError(t, err)
	require.Equal(t, models.Money(10000), q.BasePrice)

	q, err = h.quotes.Finalize(ctx, q.ID, models.Provider(7), FinalizeInput{
		SpareParts:  []models.SparePart{{Name: "belt", Price: 5000}},
		PlatformFee: 2500,
	})
	require.NoError(t, err)
	require.Equal(t, "175.00", q.DynamicTotal().String())

	got, err := h.engine.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFinalFarePending, got.Status)

	q, err = h.quotes.Approve(ctx, q.ID, models.Customer(1))
	require.NoError(t, err)
	require.NotNil(t, q.ApprovedAt)

	got, err = h.engine.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status)
	require.Equal(t, int64(7), *got.ProviderID)

	qs, err := h.quotes.ListQuotes(ctx, r.ID)
	require.NoError(t, err)
	final := 0
	for _, q := range qs {
		if q.IsFinal && q.ApprovedAt != nil {
			final++
		}
	}
	require.Equal(t, 1, final)

	require.Equal(t, []models.Status{
		models.StatusPendingDispatch,
		models.StatusDispatched,
		models.StatusArrived,
		models.StatusServiceInProgress,
		models.StatusFinalFarePending,
		models.StatusCompleted,
	}, statusesOf(t, drain(t, sub)))
}

func TestEngine_AcceptRace_TwoProviders(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, 1)

	var wg sync.WaitGroup
	errs := make(map[int64]error)
	var mu sync.Mutex
	for _, p := range []int64{7, 9} {
		wg.Add(1)
		go func(p int64) {
			defer wg.Done()
			_, err := h.engine.AcceptRequest(context.Background(), r.ID, p)
			mu.Lock()
			errs[p] = err
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	var winner int64
	losers := 0
	for p, err := range errs {
		if err == nil {
			winner = p
			continue
		}
		var taken *models.AlreadyAssignedError
		require.True(t, errors.As(err, &taken), "unexpected error %v", err)
		require.Contains(t, err.Error(), "already taken")
		losers++
	}
	require.Equal(t, 1, losers)

	got, err := h.engine.GetRequest(context.Background(), r.ID)
	require.NoError(t, err)
	require.Equal(t, winner, *got.ProviderID)
}

func TestEngine_AtMostOneAssignmentUnderLoad(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, 1)
	sub, err := h.bus.Subscribe(r.ID, nil)
	require.NoError(t, err)
	defer sub.Close()

	const n = 64
	var wg sync.WaitGroup
	results := make(chan error, n)
	for p := int64(1); p <= n; p++ {
		wg.Add(1)
		go func(p int64) {
			defer wg.Done()
			_, err := h.engine.AcceptRequest(context.Background(), r.ID, p)
			results <- err
		}(p)
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, []models.Status{models.StatusDispatched}, statusesOf(t, drain(t, sub)))
}

func TestEngine_AcceptEdgeCases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, 1)

	_, err := h.engine.AcceptRequest(ctx, r.ID, 0)
	var ve *models.ValidationError
	require.True(t, errors.As(err, &ve))

	_, err = h.engine.AcceptRequest(ctx, r.ID, 7)
	require.NoError(t, err)

	// повторный accept тем же провайдером идемпотентен
	again, err := h.engine.AcceptRequest(ctx, r.ID, 7)
	require.NoError(t, err)
	require.Equal(t, models.StatusDispatched, again.Status)

	_, err = h.engine.AcceptRequest(ctx, "missing", 7)
	var nf *models.NotFoundError
	require.True(t, errors.As(err, &nf))

	cancelled := h.create(t, 2)
	_, err = h.engine.Cancel(ctx, cancelled.ID, models.Customer(2), "")
	require.NoError(t, err)
	_, err = h.engine.AcceptRequest(ctx, cancelled.ID, 7)
	var it *models.IllegalTransitionError
	require.True(t, errors.As(err, &it))
	require.Equal(t, models.ReasonNotAvailable, it.Reason)
}

func TestEngine_EarlyCancelThenAdvance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, 1)
	_, err := h.engine.AcceptRequest(ctx, r.ID, 7)
	require.NoError(t, err)

	c, err := h.engine.Cancel(ctx, r.ID, models.Customer(1), "found help")
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, c.Status)
	require.Nil(t, c.ProviderID)
	require.Equal(t, int64(7), *c.PreviousProviderID)
	require.Equal(t, "found help", *c.CancelReason)
	require.Equal(t, int64(1), *c.CancelledBy)

	_, err = h.engine.AdvanceStatus(ctx, r.ID, models.Provider(7), models.StatusArrived)
	var it *models.IllegalTransitionError
	require.True(t, errors.As(err, &it))
	require.Equal(t, models.ReasonTerminal, it.Reason)
}

func TestEngine_CancelIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, 1)

	first, err := h.engine.Cancel(ctx, r.ID, models.Customer(1), "")
	require.NoError(t, err)
	head := h.bus.Head(r.ID)

	second, err := h.engine.Cancel(ctx, r.ID, models.Customer(1), "again")
	require.NoError(t, err)
	require.Equal(t, first.UpdatedAt, second.UpdatedAt)
	require.Nil(t, second.CancelReason)
	require.Equal(t, head, h.bus.Head(r.ID), "no event for a no-op cancel")

	_, err = h.engine.Cancel(ctx, r.ID, models.Admin(99), "")
	require.NoError(t, err)
}

func TestEngine_ProviderCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	early := h.create(t, 1)
	_, err := h.engine.AcceptRequest(ctx, early.ID, 7)
	require.NoError(t, err)
	_, err = h.engine.AdvanceStatus(ctx, early.ID, models.Provider(7), models.StatusArrived)
	require.NoError(t, err)
	c, err := h.engine.Cancel(ctx, early.ID, models.Provider(7), "vehicle broke down")
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, c.Status)

	// бывший провайдер может повторить отмену без ошибки
	_, err = h.engine.Cancel(ctx, early.ID, models.Provider(7), "")
	require.NoError(t, err)

	mid := h.inService(t, 1, 9)
	_, err = h.engine.Cancel(ctx, mid.ID, models.Provider(9), "")
	var it *models.IllegalTransitionError
	require.True(t, errors.As(err, &it))
	require.Equal(t, models.ReasonProviderMidService, it.Reason)
	require.Contains(t, err.Error(), "provider cannot cancel")

	// клиент при этом может
	_, err = h.engine.Cancel(ctx, mid.ID, models.Customer(1), "")
	require.NoError(t, err)
}

func TestEngine_CancelNotAuthorized(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, 1)
	_, err := h.engine.AcceptRequest(ctx, r.ID, 7)
	require.NoError(t, err)

	for _, a := range []models.Actor{models.Customer(2), models.Provider(9)} {
		_, err := h.engine.Cancel(ctx, r.ID, a, "")
		var na *models.NotAuthorizedError
		require.True(t, errors.As(err, &na), "actor %+v", a)
	}
}

func TestEngine_AdvanceIllegal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, 1)

	// до назначения провайдера
	_, err := h.engine.AdvanceStatus(ctx, r.ID, models.Provider(7), models.StatusArrived)
	requireIllegal(t, err, models.ReasonActorNotPermitted)

	_, err = h.engine.AcceptRequest(ctx, r.ID, 7)
	require.NoError(t, err)

	cases := []struct {
		name   string
		actor  models.Actor
		next   models.Status
		reason string
	}{
		{"other provider", models.Provider(9), models.StatusArrived, models.ReasonActorNotPermitted},
		{"customer", models.Customer(1), models.StatusArrived, models.ReasonActorNotPermitted},
		{"skip a step", models.Provider(7), models.StatusServiceInProgress, models.ReasonNotForwardEdge},
		{"backwards", models.Provider(7), models.StatusPendingDispatch, models.ReasonNotForwardEdge},
		{"same status", models.Provider(7), models.StatusDispatched, models.ReasonNotForwardEdge},
		{"cancel via advance", models.Provider(7), models.StatusCancelled, models.ReasonNotForwardEdge},
		{"fare state", models.Provider(7), models.StatusFinalFarePending, models.ReasonReservedForFare},
		{"complete", models.Provider(7), models.StatusCompleted, models.ReasonReservedForFare},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.AdvanceStatus(ctx, r.ID, tc.actor, tc.next)
			requireIllegal(t, err, tc.reason)
		})
	}

	_, err = h.engine.AdvanceStatus(ctx, r.ID, models.Provider(7), "FLYING")
	var ve *models.ValidationError
	require.True(t, errors.As(err, &ve))
}

func requireIllegal(t *testing.T, err error, reason string) {
	t.Helper()
	var it *models.IllegalTransitionError
	require.True(t, errors.As(err, &it), "want IllegalTransitionError, got %v", err)
	require.Equal(t, reason, it.Reason)
}

func TestEngine_CreateValidation(t *testing.T) {
	h := newHarness(t)
	valid := models.CreateRequestInput{CustomerID: 1, ServiceType: models.ServiceJumpstart, Location: models.GeoPoint{Lat: 1, Lng: 1}}

	cases := []struct {
		name  string
		mod   func(in *models.CreateRequestInput)
		field string
	}{
		{"customer", func(in *models.CreateRequestInput) { in.CustomerID = 0 }, "customerId"},
		{"service", func(in *models.CreateRequestInput) { in.ServiceType = "CAR_WASH" }, "serviceType"},
		{"vehicle", func(in *models.CreateRequestInput) { in.VehicleType = "BOAT" }, "vehicleType"},
		{"priority", func(in *models.CreateRequestInput) { in.Priority = "URGENT" }, "priority"},
		{"source", func(in *models.CreateRequestInput) { in.Source = "FAX" }, "source"},
		{"lat", func(in *models.CreateRequestInput) { in.Location.Lat = 91 }, "location"},
		{"lng", func(in *models.CreateRequestInput) { in.Location.Lng = -181 }, "location"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := valid
			tc.mod(&in)
			_, err := h.engine.CreateRequest(context.Background(), in)
			var ve *models.ValidationError
			require.True(t, errors.As(err, &ve))
			require.Equal(t, tc.field, ve.Field)
		})
	}

	in := valid
	in.VehicleType = models.VehicleHeavy
	in.Priority = models.PriorityCritical
	in.Source = models.SourceIoT
	r, err := h.engine.CreateRequest(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, models.SourceIoT, r.Source)
}

func TestEngine_ProviderLocationLastWriteWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, 1)

	_, err := h.engine.UpdateProviderLocation(ctx, r.ID, 7, models.GeoPoint{Lat: 1, Lng: 1}, time.Time{})
	var na *models.NotAuthorizedError
	require.True(t, errors.As(err, &na), "provider not assigned yet")

	_, err = h.engine.AcceptRequest(ctx, r.ID, 7)
	require.NoError(t, err)
	sub, err := h.bus.Subscribe(r.ID, nil)
	require.NoError(t, err)
	defer sub.Close()

	t1 := time.Now().UTC().Add(-time.Minute)
	applied, err := h.engine.UpdateProviderLocation(ctx, r.ID, 7, models.GeoPoint{Lat: 12.9, Lng: 77.6}, t1)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = h.engine.UpdateProviderLocation(ctx, r.ID, 7, models.GeoPoint{Lat: 0, Lng: 0}, t1.Add(-time.Second))
	require.NoError(t, err)
	require.False(t, applied)

	evs := drain(t, sub)
	require.Len(t, evs, 1)
	require.Equal(t, models.EventLocationUpdate, evs[0].Kind)

	got, err := h.engine.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, 12.9, got.ProviderLocation.Lat)

	_, err = h.engine.UpdateProviderLocation(ctx, r.ID, 7, models.GeoPoint{Lat: 100, Lng: 0}, time.Time{})
	var ve *models.ValidationError
	require.True(t, errors.As(err, &ve))

	_, err = h.engine.UpdateProviderLocation(ctx, r.ID, 7, models.GeoPoint{Lat: 1, Lng: 1}, time.Now().Add(time.Hour))
	require.True(t, errors.As(err, &ve))
}

func TestEngine_ForceStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	admin := models.Admin(99)
	r := h.create(t, 1)

	_, err := h.engine.ForceStatus(ctx, r.ID, models.Customer(1), models.StatusArrived, "x", nil)
	var na *models.NotAuthorizedError
	require.True(t, errors.As(err, &na))

	_, err = h.engine.ForceStatus(ctx, r.ID, admin, models.StatusArrived, "", nil)
	var ve *models.ValidationError
	require.True(t, errors.As(err, &ve))

	_, err = h.engine.ForceStatus(ctx, r.ID, admin, models.StatusArrived, "helpline booking", nil)
	requireIllegal(t, err, models.ReasonMissingProvider)

	got, err := h.engine.ForceStatus(ctx, r.ID, admin, models.StatusArrived, "helpline booking", models.Ptr(int64(7)))
	require.NoError(t, err)
	require.Equal(t, models.StatusArrived, got.Status)
	require.Equal(t, int64(7), *got.ProviderID)

	_, err = h.engine.ForceStatus(ctx, r.ID, admin, models.StatusDispatched, "rollback", nil)
	requireIllegal(t, err, models.ReasonForceNotForward)

	_, err = h.engine.ForceStatus(ctx, r.ID, admin, models.StatusServiceInProgress, "swap", models.Ptr(int64(9)))
	var taken *models.AlreadyAssignedError
	require.True(t, errors.As(err, &taken))

	got, err = h.engine.ForceStatus(ctx, r.ID, admin, models.StatusCancelled, "fraud", nil)
	require.NoError(t, err)
	require.Nil(t, got.ProviderID)
	require.Equal(t, int64(7), *got.PreviousProviderID)

	_, err = h.engine.ForceStatus(ctx, r.ID, admin, models.StatusCompleted, "reopen", nil)
	requireIllegal(t, err, models.ReasonTerminal)

	audit, err := h.engine.Audit(ctx, admin, r.ID)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	require.Equal(t, models.StatusArrived, audit[0].To)
	require.Equal(t, "fraud", audit[1].Reason)

	_, err = h.engine.Audit(ctx, models.Customer(1), r.ID)
	require.True(t, errors.As(err, &na))
}

func TestEngine_ListRequestsScopedByActor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mine := h.create(t, 1)
	h.create(t, 2)
	_, err := h.engine.AcceptRequest(ctx, mine.ID, 7)
	require.NoError(t, err)

	own, err := h.engine.ListRequests(ctx, models.Customer(1), models.RequestFilter{CustomerID: 2})
	require.NoError(t, err)
	require.Len(t, own, 1)
	require.Equal(t, mine.ID, own[0].ID)

	open, err := h.engine.ListRequests(ctx, models.Provider(9), models.RequestFilter{Status: models.StatusPendingDispatch})
	require.NoError(t, err)
	require.Len(t, open, 1)

	jobs, err := h.engine.ListRequests(ctx, models.Provider(7), models.RequestFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	all, err := h.engine.ListRequests(ctx, models.Admin(1), models.RequestFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	_, err = h.engine.ListRequests(ctx, models.Admin(1), models.RequestFilter{Status: "NOPE"})
	var ve *models.ValidationError
	require.True(t, errors.As(err, &ve))
}

func TestEngine_Resync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, 1)
	_, err := h.engine.AcceptRequest(ctx, r.ID, 7)
	require.NoError(t, err)

	res, err := h.engine.Resync(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusDispatched, res.Request.Status)
	require.Equal(t, h.bus.Head(r.ID), res.Head)

	sub, err := h.bus.Subscribe(r.ID, &res.Head)
	require.NoError(t, err)
	defer sub.Close()
	_, err = h.engine.AdvanceStatus(ctx, r.ID, models.Provider(7), models.StatusArrived)
	require.NoError(t, err)
	require.Equal(t, []models.Status{models.StatusArrived}, statusesOf(t, drain(t, sub)))

	_, err = h.engine.Resync(ctx, "missing")
	var nf *models.NotFoundError
	require.True(t, errors.As(err, &nf))
}
