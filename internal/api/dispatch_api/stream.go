package dispatch_api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/AidBox/internal/broadcast"
	"github.com/BearBump/AidBox/internal/models"
	"github.com/pkg/errors"
)

type eventsResponse struct {
	Events []models.StatusEvent `json:"events"`
	Head   uint64               `json:"head"`
}

func sinceParam(r *http.Request) (*uint64, error) {
	s := r.URL.Query().Get("since")
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil, models.Invalid("since", "must be a non-negative integer")
	}
	return &v, nil
}

// participant: a provider that merely sees an open job must not read its chat.
func participant(req *models.ServiceRequest, a models.Actor) bool {
	if a.Role != models.RoleProvider {
		return true
	}
	return req.IsAssignedTo(a.ID) || (req.PreviousProviderID != nil && *req.PreviousProviderID == a.ID)
}

// participantOnly kinds: chat and the live provider position.
func participantOnly(k models.EventKind) bool {
	return k == models.EventChatMessage || k == models.EventLocationUpdate
}

func visibleEvent(req *models.ServiceRequest, a models.Actor, ev models.StatusEvent) bool {
	return !participantOnly(ev.Kind) || participant(req, a)
}

func (a *DispatchAPI) writeGap(w http.ResponseWriter, r *http.Request, requestID string, err error) {
	status, body := statusOf(err)
	head := a.stream.Head(requestID)
	body.Head = &head
	writeJSON(w, status, body)
}

// events serves long-polling clients: GET /events?since=N&wait=20s. Without wait it
// returns immediately; without since it starts at the current head.
func (a *DispatchAPI) events(w http.ResponseWriter, r *http.Request) {
	req, ok := a.visibleRequest(w, r)
	if !ok {
		return
	}
	actor := actorFrom(r.Context())

	since, err := sinceParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if since == nil {
		// без since клиент ждёт только новое
		head := a.stream.Head(req.ID)
		since = &head
	}
	var wait time.Duration
	if s := r.URL.Query().Get("wait"); s != "" {
		if wait, err = time.ParseDuration(s); err != nil || wait < 0 {
			writeError(w, r, models.Invalid("wait", "must be a duration like 20s"))
			return
		}
		if wait > a.opts.LongPollTimeout {
			wait = a.opts.LongPollTimeout
		}
	}

	evs, err := a.stream.Events(req.ID, *since)
	if err != nil {
		a.writeGap(w, r, req.ID, err)
		return
	}

	if len(evs) == 0 && wait > 0 {
		sub, err := a.stream.Subscribe(req.ID, since)
		if err != nil {
			a.writeGap(w, r, req.ID, err)
			return
		}
		defer sub.Close()

		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		ev, err := sub.Next(ctx)
		switch {
		case err == nil:
			evs = append(evs, ev)
			for sub.Pending() > 0 {
				if ev, err = sub.Next(ctx); err != nil {
					break
				}
				evs = append(evs, ev)
			}
		case errors.Is(err, broadcast.ErrGapDetected):
			a.writeGap(w, r, req.ID, err)
			return
		}
	}

	out := make([]models.StatusEvent, 0, len(evs))
	for _, ev := range evs {
		if visibleEvent(req, actor, ev) {
			out = append(out, ev)
		}
	}
	head := a.stream.Head(req.ID)
	if n := len(evs); n > 0 && evs[n-1].Sequence > head {
		head = evs[n-1].Sequence
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: out, Head: head})
}

func (a *DispatchAPI) resync(w http.ResponseWriter, r *http.Request) {
	req, ok := a.visibleRequest(w, r)
	if !ok {
		return
	}
	res, err := a.engine.Resync(r.Context(), req.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
