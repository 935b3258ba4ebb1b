package dispatch_api

import (
	"net/http"

	"github.com/BearBump/AidBox/internal/models"
	"github.com/BearBump/AidBox/internal/services/dispatch"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

type finalizeBody struct {
	SpareParts  []models.SparePart `json:"spareParts"`
	PlatformFee models.Money       `json:"platformFee"`
}

type messageBody struct {
	Body string `json:"body"`
}

func (a *DispatchAPI) openQuote(w http.ResponseWriter, r *http.Request) {
	q, err := a.quotes.OpenQuote(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (a *DispatchAPI) listQuotes(w http.ResponseWriter, r *http.Request) {
	req, ok := a.visibleRequest(w, r)
	if !ok {
		return
	}
	qs, err := a.quotes.ListQuotes(r.Context(), req.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quotes": qs})
}

func (a *DispatchAPI) getQuote(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	q, err := a.quotes.GetQuote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := a.engine.GetRequest(r.Context(), q.RequestID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !req.VisibleTo(actor) {
		writeError(w, r, &models.NotAuthorizedError{RequestID: req.ID, Actor: actor, Action: "read quotes of"})
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (a *DispatchAPI) finalizeQuote(w http.ResponseWriter, r *http.Request) {
	var body finalizeBody
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	q, err := a.quotes.Finalize(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()), dispatch.FinalizeInput{
		SpareParts:  body.SpareParts,
		PlatformFee: body.PlatformFee,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// approveQuote is idempotent for the customer: approving twice returns the approved quote.
func (a *DispatchAPI) approveQuote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q, err := a.quotes.Approve(r.Context(), id, actorFrom(r.Context()))
	var approved *models.AlreadyApprovedError
	if errors.As(err, &approved) {
		q, err = a.quotes.GetQuote(r.Context(), id)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// rejectQuote sends the pending fare back to the provider; the request stays in
// FINAL_FARE_PENDING.
func (a *DispatchAPI) rejectQuote(w http.ResponseWriter, r *http.Request) {
	q, err := a.quotes.Reject(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (a *DispatchAPI) sendMessage(w http.ResponseWriter, r *http.Request) {
	var body messageBody
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	ev, err := a.chat.Send(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()), body.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (a *DispatchAPI) listMessages(w http.ResponseWriter, r *http.Request) {
	req, ok := a.visibleRequest(w, r)
	if !ok {
		return
	}
	// открытая заявка видна всем провайдерам, переписка только участникам
	if actor := actorFrom(r.Context()); actor.Role == models.RoleProvider && !req.IsAssignedTo(actor.ID) &&
		(req.PreviousProviderID == nil || *req.PreviousProviderID != actor.ID) {
		writeError(w, r, &models.NotAuthorizedError{RequestID: req.ID, Actor: actor, Action: "read chat of"})
		return
	}
	limit, offset, err := pageParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	msgs, err := a.chat.History(r.Context(), req.ID, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
