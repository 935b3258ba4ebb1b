package dispatch_api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/AidBox/internal/models"
	"github.com/go-chi/chi/v5"
)

type createRequestBody struct {
	CustomerID  int64              `json:"customerId,omitempty"`
	ServiceType models.ServiceType `json:"serviceType"`
	VehicleType models.VehicleType `json:"vehicleType,omitempty"`
	Priority    models.Priority    `json:"priority,omitempty"`
	Source      models.Source      `json:"source,omitempty"`
	Lat         float64            `json:"lat"`
	Lng         float64            `json:"lng"`
	Notes       string             `json:"notes,omitempty"`
}

type statusBody struct {
	Status models.Status `json:"status"`
}

type cancelBody struct {
	Reason string `json:"reason,omitempty"`
}

type forceStatusBody struct {
	Status     models.Status `json:"status"`
	Reason     string        `json:"reason"`
	ProviderID *int64        `json:"providerId,omitempty"`
}

type locationBody struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	RecordedAt time.Time `json:"recordedAt,omitempty"`
}

type auditEntry struct {
	ID        uint64        `json:"id"`
	ActorID   int64         `json:"actorId"`
	ActorRole models.Role   `json:"actorRole"`
	From      models.Status `json:"from"`
	To        models.Status `json:"to"`
	Reason    string        `json:"reason"`
	CreatedAt time.Time     `json:"createdAt"`
}

func (a *DispatchAPI) createRequest(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	var body createRequestBody
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	// клиент создаёт заявку на себя, админ (колл-центр) на указанного клиента
	switch actor.Role {
	case models.RoleCustomer:
		body.CustomerID = actor.ID
	case models.RoleAdmin:
		if body.Source == "" {
			body.Source = models.SourceHelpline
		}
	default:
		writeError(w, r, &models.NotAuthorizedError{Actor: actor, Action: "create"})
		return
	}

	req, err := a.engine.CreateRequest(r.Context(), models.CreateRequestInput{
		CustomerID:  body.CustomerID,
		ServiceType: body.ServiceType,
		VehicleType: body.VehicleType,
		Priority:    body.Priority,
		Source:      body.Source,
		Location:    models.GeoPoint{Lat: body.Lat, Lng: body.Lng},
		Notes:       body.Notes,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (a *DispatchAPI) listRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.RequestFilter{Status: models.Status(q.Get("status"))}
	var err error
	if f.CustomerID, err = intParam(q.Get("customerId")); err != nil {
		writeError(w, r, models.Invalid("customerId", "must be an integer"))
		return
	}
	if f.ProviderID, err = intParam(q.Get("providerId")); err != nil {
		writeError(w, r, models.Invalid("providerId", "must be an integer"))
		return
	}
	if f.Limit, f.Offset, err = pageParams(r); err != nil {
		writeError(w, r, err)
		return
	}

	out, err := a.engine.ListRequests(r.Context(), actorFrom(r.Context()), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": out})
}

// visibleRequest loads the request and checks the caller may read it.
func (a *DispatchAPI) visibleRequest(w http.ResponseWriter, r *http.Request) (*models.ServiceRequest, bool) {
	id := chi.URLParam(r, "id")
	actor := actorFrom(r.Context())
	req, err := a.engine.GetRequest(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	if !req.VisibleTo(actor) {
		writeError(w, r, &models.NotAuthorizedError{RequestID: id, Actor: actor, Action: "read"})
		return nil, false
	}
	return req, true
}

func (a *DispatchAPI) getRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := a.visibleRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *DispatchAPI) acceptRequest(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if actor.Role != models.RoleProvider {
		writeError(w, r, &models.NotAuthorizedError{RequestID: chi.URLParam(r, "id"), Actor: actor, Action: "accept"})
		return
	}
	req, err := a.engine.AcceptRequest(r.Context(), chi.URLParam(r, "id"), actor.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *DispatchAPI) advanceStatus(w http.ResponseWriter, r *http.Request) {
	var body statusBody
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	req, err := a.engine.AdvanceStatus(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()), body.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *DispatchAPI) cancelRequest(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	req, err := a.engine.Cancel(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()), body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *DispatchAPI) forceStatus(w http.ResponseWriter, r *http.Request) {
	var body forceStatusBody
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	req, err := a.engine.ForceStatus(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()), body.Status, body.Reason, body.ProviderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *DispatchAPI) updateLocation(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	id := chi.URLParam(r, "id")
	if actor.Role != models.RoleProvider {
		writeError(w, r, &models.NotAuthorizedError{RequestID: id, Actor: actor, Action: "report location for"})
		return
	}
	var body locationBody
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	applied, err := a.engine.UpdateProviderLocation(r.Context(), id, actor.ID, models.GeoPoint{Lat: body.Lat, Lng: body.Lng}, body.RecordedAt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func (a *DispatchAPI) audit(w http.ResponseWriter, r *http.Request) {
	entries, err := a.engine.Audit(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]auditEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntry{
			ID:        e.ID,
			ActorID:   e.ActorID,
			ActorRole: e.ActorRole,
			From:      e.From,
			To:        e.To,
			Reason:    e.Reason,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func intParam(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func pageParams(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit < 0 {
			return 0, 0, models.Invalid("limit", "must be a non-negative integer")
		}
	}
	if s := q.Get("offset"); s != "" {
		if offset, err = strconv.Atoi(s); err != nil || offset < 0 {
			return 0, 0, models.Invalid("offset", "must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
