package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"batpay/gateway/middleware"
	"batpay/storage/journal"
)

// EventSource answers journal queries.
type EventSource interface {
	Query(ctx context.Context, f journal.Filter) ([]journal.Entry, error)
}

type eventRoutes struct {
	source EventSource
	logger *slog.Logger
}

type eventsResponse struct {
	Events []journal.Entry `json:"events"`
	// Next is the cursor to pass as afterId for the following page.
	Next int64 `json:"next"`
}

func (er *eventRoutes) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := journal.Filter{Type: q.Get("type")}
	var err error
	if filter.FromHeight, err = optionalUint(q.Get("fromHeight")); err != nil {
		writeBadRequest(w, r, fmt.Errorf("invalid fromHeight: %w", err))
		return
	}
	if filter.ToHeight, err = optionalUint(q.Get("toHeight")); err != nil {
		writeBadRequest(w, r, fmt.Errorf("invalid toHeight: %w", err))
		return
	}
	after, err := optionalUint(q.Get("afterId"))
	if err != nil {
		writeBadRequest(w, r, fmt.Errorf("invalid afterId: %w", err))
		return
	}
	filter.AfterID = int64(after)
	limit, err := optionalUint(q.Get("limit"))
	if err != nil {
		writeBadRequest(w, r, fmt.Errorf("invalid limit: %w", err))
		return
	}
	filter.Limit = int(limit)

	entries, err := er.source.Query(r.Context(), filter)
	if err != nil {
		writeInternalError(w, r, er.logger, err)
		return
	}
	next := filter.AfterID
	if len(entries) > 0 {
		next = entries[len(entries)-1].ID
	}
	middleware.WriteJSON(w, http.StatusOK, eventsResponse{Events: entries, Next: next})
}

func optionalUint(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 31)
}
