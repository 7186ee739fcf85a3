package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/depthbook/internal/domain"
)

// maxBodyBytes caps request bodies; every PUT body here is a tiny object.
const maxBodyBytes = 4 << 10

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a single JSON object from the body into v, rejecting
// unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseListOpts extracts pagination and filters from the query string.
// Defaults: limit=50 (max 500), offset=0. since/until accept RFC 3339.
func parseListOpts(r *http.Request) (domain.ListOpts, error) {
	q := r.URL.Query()

	opts := domain.ListOpts{Limit: 50, Event: q.Get("event")}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if opts.Limit > 500 {
		opts.Limit = 500
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Offset = n
		}
	}

	for name, dst := range map[string]**time.Time{"since": &opts.Since, "until": &opts.Until} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return domain.ListOpts{}, fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = &t
	}
	return opts, nil
}

// saveSelection persists the engine's instrument and increment. A nil store
// is a no-op; failures are logged and never fail the request.
func saveSelection(ctx context.Context, store domain.SelectionStore, book BookEngine, logger *slog.Logger) {
	if store == nil || book.Instrument() == "" {
		return
	}
	sel := domain.Selection{Instrument: book.Instrument(), Increment: book.CurrentAggregation()}
	if err := store.Save(ctx, sel); err != nil {
		logger.WarnContext(ctx, "handler: save selection failed",
			slog.String("instrument", sel.Instrument),
			slog.String("error", err.Error()),
		)
	}
}

// statusFor maps domain sentinel errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnknownInstrument), errors.Is(err, domain.ErrInvalidIncrement):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
