// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lsst-sqre/gafaelfawr/pkg/admin"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// adminRecord is the wire form of one admin.
type adminRecord struct {
	Username string `json:"username"`
}

func (h *Handler) getAdmins(w http.ResponseWriter, r *http.Request) {
	auth := h.authenticate(w, r, policy{
		requireScope:   admin.AdminScope,
		allowBootstrap: true,
	})
	if auth == nil {
		return
	}
	usernames, err := h.admins.List(r.Context(), auth)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	records := make([]adminRecord, 0, len(usernames))
	for _, username := range usernames {
		records = append(records, adminRecord{Username: username})
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) addAdmin(w http.ResponseWriter, r *http.Request) {
	auth := h.authenticate(w, r, policy{
		requireScope:   admin.AdminScope,
		allowBootstrap: true,
	})
	if auth == nil {
		return
	}
	var record adminRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, detail{
			Loc: []string{"body"}, Type: "invalid_request", Msg: "Invalid request body",
		})
		return
	}
	if err := h.admins.Add(r.Context(), record.Username, auth, clientIP(r)); err != nil {
		writeValidationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteAdmin(w http.ResponseWriter, r *http.Request) {
	auth := h.authenticate(w, r, policy{
		requireScope:   admin.AdminScope,
		allowBootstrap: true,
	})
	if auth == nil {
		return
	}
	username := chi.URLParam(r, "username")
	err := h.admins.Delete(r.Context(), username, auth, clientIP(r))
	if errors.Is(err, token.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, detail{
			Loc:  []string{"path", "username"},
			Type: "not_found",
			Msg:  "Specified user is not an administrator",
		})
		return
	}
	if err != nil {
		writeValidationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
