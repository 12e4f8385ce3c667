package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketrank/internal/rank"
	"github.com/sawpanic/marketrank/internal/session"
)

// Rank handles GET /rank/{field}?date=&session=&order=&offset=&limit=.
// date and session default to the exchange's current storage key.
func (h *Handlers) Rank(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	field, err := rank.ParseField(mux.Vars(r)["field"])
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_field", err.Error())
		return
	}
	order := rank.Desc
	if v := q.Get("order"); v != "" {
		if order, err = rank.ParseOrder(v); err != nil {
			h.writeError(w, r, http.StatusBadRequest, "invalid_order", err.Error())
			return
		}
	}

	date, sess, _ := h.clock.Current()
	if v := q.Get("date"); v != "" {
		date = v
	}
	if v := q.Get("session"); v != "" {
		if sess, err = session.Parse(v); err != nil || !sess.IsStorage() {
			h.writeError(w, r, http.StatusBadRequest, "invalid_session", "session must be pre, live or after")
			return
		}
	}

	offset, ok := h.intParam(w, r, "offset", 0)
	if !ok {
		return
	}
	limit, ok := h.intParam(w, r, "limit", 50)
	if !ok {
		return
	}
	if limit > h.rankLimit {
		limit = h.rankLimit
	}

	resp := RankResponse{
		Date:    date,
		Session: string(sess),
		Field:   string(field),
		Order:   string(order),
		Offset:  offset,
		Limit:   limit,
		Entries: []RankEntry{},
	}

	entries, err := h.rank.RankedEntries(r.Context(), date, sess, field, order, offset, limit)
	if err != nil {
		if isInputError(err) {
			h.writeError(w, r, http.StatusBadRequest, "invalid_key", err.Error())
			return
		}
		log.Warn().Err(err).Str("field", string(field)).Msg("Serving degraded rank view")
		resp.Degraded = true
		h.writeJSON(w, http.StatusOK, resp)
		return
	}
	for i, e := range entries {
		resp.Entries = append(resp.Entries, RankEntry{
			Rank:   offset + i + 1,
			Symbol: e.Symbol,
			Value:  e.Score,
		})
	}
	if total, err := h.rank.Count(r.Context(), date, sess, field); err == nil {
		resp.Total = total
	} else {
		resp.Degraded = true
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		h.writeError(w, r, http.StatusBadRequest, "invalid_"+name, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func isInputError(err error) bool {
	return errors.Is(err, rank.ErrInvalidDate) || errors.Is(err, rank.ErrInvalidSession)
}
