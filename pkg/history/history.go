// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

// Package history defines the append-only change history records for tokens
// and admins, and the cursor-based pagination over them.
package history

import (
	"time"

	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// TokenChange is the type of change made to a token.
type TokenChange string

// Token change actions.
const (
	TokenChangeCreate TokenChange = "create"
	TokenChangeRevoke TokenChange = "revoke"
	TokenChangeExpire TokenChange = "expire"
	TokenChangeEdit   TokenChange = "edit"
)

// AdminChange is the type of change made to the admin set.
type AdminChange string

// Admin change actions.
const (
	AdminChangeAdd    AdminChange = "add"
	AdminChangeRemove AdminChange = "remove"
)

// TokenChangeEntry is one record of a change to a token. Entries are
// append-only: they are never edited or deleted except by retention policy.
type TokenChangeEntry struct {
	// ID is the database row id, used as the pagination tiebreaker.
	ID int64

	// Token is the key of the token that was changed.
	Token string

	// Username is the owner of the token.
	Username string

	// Type is the token's type.
	Type token.Type

	// Name is the token's name at the time of the change. For edits that
	// renamed the token this is the new name.
	Name string

	// Parent is the key of the token's parent, if any.
	Parent string

	// Scopes are the token's scopes at the time of the change.
	Scopes []string

	// Service is the delegated service, set only for internal tokens.
	Service string

	// Expires is the token's expiration at the time of the change. For
	// edits that changed the expiration this is the new expiration.
	Expires *time.Time

	// Actor is the username of the person making the change.
	Actor string

	// Action is the kind of change.
	Action TokenChange

	// OldName is the previous name, set only on edits that renamed.
	OldName *string

	// OldScopes are the previous scopes, set only on edits that changed
	// the scopes.
	OldScopes []string

	// OldExpires is the previous expiration, set only on edits that
	// changed the expiration.
	OldExpires *time.Time

	// IPAddress is the client address the change was made from. Empty for
	// internal changes such as expiration sweeps.
	IPAddress string

	// EventTime is when the change was made.
	EventTime time.Time
}

// ReducedMap renders the entry for the REST API, suppressing old_* fields
// for changes other than edits and for edits that did not change those
// fields, and omitting nullable fields that are unset.
func (e *TokenChangeEntry) ReducedMap() map[string]any {
	v := map[string]any{
		"token":      e.Token,
		"username":   e.Username,
		"token_type": string(e.Type),
		"scopes":     e.Scopes,
		"actor":      e.Actor,
		"action":     string(e.Action),
		"event_time": e.EventTime.Unix(),
	}
	if e.Name != "" {
		v["token_name"] = e.Name
	}
	if e.Parent != "" {
		v["parent"] = e.Parent
	}
	if e.Service != "" {
		v["service"] = e.Service
	}
	if e.Expires != nil {
		v["expires"] = e.Expires.Unix()
	}
	if e.IPAddress != "" {
		v["ip_address"] = e.IPAddress
	}
	if e.Action == TokenChangeEdit {
		if e.OldName != nil {
			v["old_token_name"] = *e.OldName
		}
		if e.OldScopes != nil {
			v["old_scopes"] = e.OldScopes
		}
		if e.OldExpires != nil {
			v["old_expires"] = e.OldExpires.Unix()
		} else if e.Expires != nil {
			// An edit that removed the expiration reports the old value as
			// null; one that never touched expiration omits both.
			v["old_expires"] = nil
		}
	}
	return v
}

// AdminChangeEntry is one record of a change to the token administrators.
type AdminChangeEntry struct {
	// Username is the admin that was added or removed.
	Username string

	// Action is the kind of change.
	Action AdminChange

	// Actor is the username of the person making the change.
	Actor string

	// IPAddress is the client address the change was made from.
	IPAddress string

	// EventTime is when the change was made.
	EventTime time.Time
}

// TokenChangeFilter narrows a history query. Zero values mean no filter.
type TokenChangeFilter struct {
	Username  string
	Actor     string
	Key       string
	TokenType token.Type
	IPOrCIDR  string
	Since     *time.Time
	Until     *time.Time
}
