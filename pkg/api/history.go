// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/lsst-sqre/gafaelfawr/pkg/history"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// getAdminTokenChangeHistory lists change history across all users, for
// token administrators.
func (h *Handler) getAdminTokenChangeHistory(w http.ResponseWriter, r *http.Request) {
	auth := h.authenticate(w, r, policy{requireSession: true})
	if auth == nil {
		return
	}
	filter, cursor, limit, ok := h.historyQuery(w, r)
	if !ok {
		return
	}
	h.serveChangeHistory(w, r, auth, filter, cursor, limit, "")
}

// getUserTokenChangeHistory lists change history for one user's tokens.
func (h *Handler) getUserTokenChangeHistory(w http.ResponseWriter, r *http.Request) {
	auth := h.authenticate(w, r, policy{requireSession: true})
	if auth == nil {
		return
	}
	username, ok := h.pathUsername(w, r)
	if !ok {
		return
	}
	filter, cursor, limit, ok := h.historyQuery(w, r)
	if !ok {
		return
	}
	filter.Username = username
	h.serveChangeHistory(w, r, auth, filter, cursor, limit, "Username not found")
}

// getTokenChangeHistory lists all changes to one token, oldest first is not
// guaranteed; entries come back in history order, newest first.
func (h *Handler) getTokenChangeHistory(w http.ResponseWriter, r *http.Request) {
	auth := h.authenticate(w, r, policy{requireSession: true})
	if auth == nil {
		return
	}
	username, key, ok := h.pathToken(w, r)
	if !ok {
		return
	}
	filter := history.TokenChangeFilter{Username: username, Key: key}
	results, err := h.tokens.GetChangeHistory(r.Context(), auth, filter, "", 0)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	if len(results.Entries) == 0 {
		h.tokenNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, reduced(results.Entries))
}

func (h *Handler) serveChangeHistory(
	w http.ResponseWriter,
	r *http.Request,
	auth *token.Data,
	filter history.TokenChangeFilter,
	cursor string,
	limit int,
	emptyMsg string,
) {
	results, err := h.tokens.GetChangeHistory(r.Context(), auth, filter, cursor, limit)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	if emptyMsg != "" && len(results.Entries) == 0 {
		writeDetail(w, http.StatusNotFound, detail{
			Loc:  []string{"path", "username"},
			Type: "not_found",
			Msg:  emptyMsg,
		})
		return
	}
	if limit > 0 {
		w.Header().Set("Link", results.LinkHeader(r.URL))
		w.Header().Set("X-Total-Count", strconv.Itoa(results.Count))
	}
	writeJSON(w, http.StatusOK, reduced(results.Entries))
}

// historyQuery parses the shared history filter parameters.
func (h *Handler) historyQuery(
	w http.ResponseWriter, r *http.Request,
) (history.TokenChangeFilter, string, int, bool) {
	query := r.URL.Query()
	var filter history.TokenChangeFilter

	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeDetail(w, http.StatusUnprocessableEntity, detail{
				Loc:  []string{"query", "limit"},
				Type: "invalid_request",
				Msg:  errInvalidLimit.Error(),
			})
			return filter, "", 0, false
		}
		limit = parsed
	}

	if username := query.Get("username"); username != "" {
		filter.Username = username
	}
	if actor := query.Get("actor"); actor != "" {
		filter.Actor = actor
	}
	if key := query.Get("key"); key != "" {
		if len(key) != keyLength {
			writeDetail(w, http.StatusUnprocessableEntity, detail{
				Loc:  []string{"query", "key"},
				Type: "invalid_request",
				Msg:  "Invalid token key",
			})
			return filter, "", 0, false
		}
		filter.Key = key
	}
	if tokenType := query.Get("token_type"); tokenType != "" {
		parsed := token.Type(tokenType)
		if !parsed.Valid() {
			writeDetail(w, http.StatusUnprocessableEntity, detail{
				Loc:  []string{"query", "token_type"},
				Type: "invalid_request",
				Msg:  "Invalid token type",
			})
			return filter, "", 0, false
		}
		filter.TokenType = parsed
	}
	filter.IPOrCIDR = query.Get("ip_address")

	since, ok := h.timeParam(w, query.Get("since"), "since")
	if !ok {
		return filter, "", 0, false
	}
	filter.Since = since
	until, ok := h.timeParam(w, query.Get("until"), "until")
	if !ok {
		return filter, "", 0, false
	}
	filter.Until = until

	return filter, query.Get("cursor"), limit, true
}

// timeParam parses a timestamp given either as seconds since epoch or in
// RFC 3339 form.
func (h *Handler) timeParam(
	w http.ResponseWriter, raw, name string,
) (*time.Time, bool) {
	if raw == "" {
		return nil, true
	}
	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		t := time.Unix(seconds, 0).UTC()
		return &t, true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, true
	}
	writeDetail(w, http.StatusUnprocessableEntity, detail{
		Loc:  []string{"query", name},
		Type: "invalid_request",
		Msg:  "Invalid timestamp",
	})
	return nil, false
}

func reduced(entries []history.TokenChangeEntry) []map[string]any {
	out := make([]map[string]any, 0, len(entries))
	for i := range entries {
		out = append(out, entries[i].ReducedMap())
	}
	return out
}
