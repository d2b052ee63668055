// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

// Package tokens implements the token manager: the authoritative lifecycle
// for opaque bearer tokens across the Redis token store and the relational
// token database.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/history"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/redis"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/sqlite"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// MinimumLifetime is the shortest expiration a caller may request.
const MinimumLifetime = 5 * time.Minute

// AdminScope is the scope that grants token administration rights.
const AdminScope = "admin:token"

// AdminTokenRequest is a request to mint a user or service token on behalf
// of an administrator.
type AdminTokenRequest struct {
	Username string        `json:"username"`
	Type     token.Type    `json:"token_type"`
	Name     string        `json:"token_name,omitempty"`
	Scopes   []string      `json:"scopes,omitempty"`
	Expires  *time.Time    `json:"expires,omitempty"`
	FullName string        `json:"name,omitempty"`
	UID      int           `json:"uid,omitempty"`
	Groups   []token.Group `json:"groups,omitempty"`
}

// Manager orchestrates the token store and token database. All token
// creation, mutation, and revocation flows through it so that the two
// backends stay consistent and every change is recorded in history.
type Manager struct {
	config  *config.Config
	store   *redis.TokenStore
	db      *sqlite.TokenStore
	history *sqlite.HistoryStore
}

// NewManager creates a token manager.
func NewManager(
	cfg *config.Config,
	store *redis.TokenStore,
	db *sqlite.TokenStore,
	historyStore *sqlite.HistoryStore,
) *Manager {
	return &Manager{config: cfg, store: store, db: db, history: historyStore}
}

// CreateSessionToken mints a new session token for a freshly authenticated
// user.
func (m *Manager) CreateSessionToken(
	ctx context.Context, userInfo token.UserInfo, scopes []string, ip string,
) (token.Token, error) {
	if err := m.validateUsername(userInfo.Username); err != nil {
		return token.Token{}, err
	}

	tok, err := token.New()
	if err != nil {
		return token.Token{}, err
	}
	created := token.CurrentTime()
	expires := created.Add(m.config.TokenLifetime())
	data := &token.Data{
		UserInfo: userInfo,
		Token:    tok,
		Type:     token.TypeSession,
		Scopes:   sortedScopes(scopes),
		Created:  created,
		Expires:  &expires,
	}

	err = m.storeNewToken(ctx, data, "", "", "", data.Username, ip)
	if err != nil {
		return token.Token{}, err
	}
	logger.Infow("Created new session token",
		"user", data.Username, "token_key", tok.Key,
		"token_scope", strings.Join(data.Scopes, ","))
	return tok, nil
}

// CreateUserToken mints a named long-lived token at the request of its
// owner.
func (m *Manager) CreateUserToken(
	ctx context.Context,
	auth *token.Data,
	username, name string,
	scopes []string,
	expires *time.Time,
	ip string,
) (token.Token, error) {
	if username != auth.Username {
		return token.Token{}, fmt.Errorf(
			"%w: cannot create tokens for another user", token.ErrPermissionDenied)
	}
	if err := m.validateUsername(username); err != nil {
		return token.Token{}, err
	}
	if err := validateName(name); err != nil {
		return token.Token{}, err
	}
	if err := validateExpires(expires); err != nil {
		return token.Token{}, err
	}
	if err := m.validateScopes(scopes, auth); err != nil {
		return token.Token{}, err
	}

	tok, err := token.New()
	if err != nil {
		return token.Token{}, err
	}
	data := &token.Data{
		UserInfo: token.UserInfo{
			Username: auth.Username,
			Name:     auth.Name,
			UID:      auth.UID,
			Groups:   auth.Groups,
		},
		Token:   tok,
		Type:    token.TypeUser,
		Scopes:  sortedScopes(scopes),
		Created: token.CurrentTime(),
		Expires: expires,
	}

	err = m.storeNewToken(ctx, data, name, "", "", auth.Username, ip)
	if err != nil {
		return token.Token{}, err
	}
	logger.Infow("Created new user token",
		"token_key", tok.Key, "token_name", name,
		"token_scope", strings.Join(data.Scopes, ","))
	return tok, nil
}

// CreateTokenFromAdminRequest mints a user or service token on behalf of an
// administrator.
func (m *Manager) CreateTokenFromAdminRequest(
	ctx context.Context, req *AdminTokenRequest, auth *token.Data, ip string,
) (token.Token, error) {
	if !slices.Contains(auth.Scopes, AdminScope) {
		return token.Token{}, fmt.Errorf(
			"%w: missing required %s scope", token.ErrPermissionDenied, AdminScope)
	}
	if req.Type != token.TypeUser && req.Type != token.TypeService {
		return token.Token{}, fmt.Errorf(
			"%w: token_type must be user or service", token.ErrPermissionDenied)
	}
	if req.Type == token.TypeUser {
		if err := validateName(req.Name); err != nil {
			return token.Token{}, err
		}
	}
	if err := m.validateUsername(req.Username); err != nil {
		return token.Token{}, err
	}
	if err := m.validateScopes(req.Scopes, nil); err != nil {
		return token.Token{}, err
	}
	if err := validateExpires(req.Expires); err != nil {
		return token.Token{}, err
	}

	tok, err := token.New()
	if err != nil {
		return token.Token{}, err
	}
	data := &token.Data{
		UserInfo: token.UserInfo{
			Username: req.Username,
			Name:     req.FullName,
			UID:      req.UID,
			Groups:   req.Groups,
		},
		Token:   tok,
		Type:    req.Type,
		Scopes:  sortedScopes(req.Scopes),
		Created: token.CurrentTime(),
		Expires: req.Expires,
	}

	err = m.storeNewToken(ctx, data, req.Name, "", "", auth.Username, ip)
	if err != nil {
		return token.Token{}, err
	}
	logger.Infow(fmt.Sprintf("Created new %s token", req.Type),
		"user", req.Username, "token_key", tok.Key,
		"token_scope", strings.Join(data.Scopes, ","))
	return tok, nil
}

// GetData resolves a presented token to its data, validating the secret in
// constant time. Returns nil without error for any invalid, missing, or
// expired token.
func (m *Manager) GetData(ctx context.Context, tok token.Token) (*token.Data, error) {
	data, err := m.store.Get(ctx, tok)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// GetUserInfo returns the identity snapshot for a token, or nil if the
// token is invalid.
func (m *Manager) GetUserInfo(ctx context.Context, tok token.Token) (*token.UserInfo, error) {
	data, err := m.GetData(ctx, tok)
	if err != nil || data == nil {
		return nil, err
	}
	info := data.UserInfo
	return &info, nil
}

// GetInternalToken returns a delegated token for the given service with the
// given scope subset, reusing an existing live child when one matches.
func (m *Manager) GetInternalToken(
	ctx context.Context, parent *token.Data, service string, scopes []string, ip string,
) (token.Token, error) {
	if !subset(scopes, parent.Scopes) {
		return token.Token{}, fmt.Errorf(
			"%w: token does not have required scopes", token.ErrPermissionDenied)
	}
	if err := m.validateUsername(parent.Username); err != nil {
		return token.Token{}, err
	}
	scopes = sortedScopes(scopes)

	lookup := func() (token.Token, bool, error) {
		key, err := m.db.GetInternalTokenKey(ctx, parent.Token.Key, service, scopes)
		if errors.Is(err, storage.ErrNotFound) {
			return token.Token{}, false, nil
		}
		if err != nil {
			return token.Token{}, false, err
		}
		// The row may outlive the Redis entry; only a live entry counts.
		data, err := m.store.GetByKey(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return token.Token{}, false, nil
		}
		if err != nil {
			return token.Token{}, false, err
		}
		return data.Token, true, nil
	}

	if tok, ok, err := lookup(); err != nil || ok {
		return tok, err
	}

	tok, err := token.New()
	if err != nil {
		return token.Token{}, err
	}
	data := m.childData(parent, tok, token.TypeInternal, scopes)
	err = m.storeNewToken(ctx, data, "", service, parent.Token.Key, parent.Username, ip)
	if errors.Is(err, storage.ErrAlreadyExists) {
		// A concurrent request won the dedup race; return its token.
		if winner, ok, lookupErr := lookup(); lookupErr == nil && ok {
			return winner, nil
		}
		return token.Token{}, err
	}
	if err != nil {
		return token.Token{}, err
	}
	logger.Infow("Created new internal token",
		"token_key", tok.Key, "service", service,
		"token_scope", strings.Join(scopes, ","))
	return tok, nil
}

// GetNotebookToken returns the per-user notebook token derived from the
// given session, reusing an existing live child when there is one.
func (m *Manager) GetNotebookToken(
	ctx context.Context, parent *token.Data, ip string,
) (token.Token, error) {
	if err := m.validateUsername(parent.Username); err != nil {
		return token.Token{}, err
	}

	lookup := func() (token.Token, bool, error) {
		key, err := m.db.GetNotebookTokenKey(ctx, parent.Token.Key)
		if errors.Is(err, storage.ErrNotFound) {
			return token.Token{}, false, nil
		}
		if err != nil {
			return token.Token{}, false, err
		}
		data, err := m.store.GetByKey(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return token.Token{}, false, nil
		}
		if err != nil {
			return token.Token{}, false, err
		}
		return data.Token, true, nil
	}

	if tok, ok, err := lookup(); err != nil || ok {
		return tok, err
	}

	tok, err := token.New()
	if err != nil {
		return token.Token{}, err
	}
	data := m.childData(parent, tok, token.TypeNotebook, parent.Scopes)
	err = m.storeNewToken(ctx, data, "", "", parent.Token.Key, parent.Username, ip)
	if errors.Is(err, storage.ErrAlreadyExists) {
		if winner, ok, lookupErr := lookup(); lookupErr == nil && ok {
			return winner, nil
		}
		return token.Token{}, err
	}
	if err != nil {
		return token.Token{}, err
	}
	logger.Infow("Created new notebook token", "token_key", tok.Key)
	return tok, nil
}

// GetTokenInfo returns metadata for a token with authorization checks.
func (m *Manager) GetTokenInfo(
	ctx context.Context, key string, auth *token.Data, username string,
) (*token.Info, error) {
	info, err := m.GetTokenInfoUnchecked(ctx, key, username)
	if err != nil || info == nil {
		return nil, err
	}
	if info.Username != auth.Username && !slices.Contains(auth.Scopes, AdminScope) {
		if username != "" {
			return nil, fmt.Errorf("%w: %s cannot see tokens for %s",
				token.ErrPermissionDenied, auth.Username, username)
		}
		return nil, nil
	}
	return info, nil
}

// GetTokenInfoUnchecked returns metadata for a token without authorization
// checks. A username constrains the result to that user's tokens.
func (m *Manager) GetTokenInfoUnchecked(
	ctx context.Context, key, username string,
) (*token.Info, error) {
	info, err := m.db.GetInfo(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if username != "" && info.Username != username {
		return nil, nil
	}
	return info, nil
}

// ListTokens lists token metadata, restricted to one user unless the caller
// holds admin:token.
func (m *Manager) ListTokens(
	ctx context.Context, auth *token.Data, username string,
) ([]token.Info, error) {
	if username != auth.Username && !slices.Contains(auth.Scopes, AdminScope) {
		return nil, fmt.Errorf("%w: %s cannot list tokens for %s",
			token.ErrPermissionDenied, auth.Username, username)
	}
	return m.db.List(ctx, username)
}

// ModifyToken edits the name, scopes, or expiration of a user token and
// records an edit history entry with old value snapshots for every changed
// field. Returns nil without error when the token does not exist.
func (m *Manager) ModifyToken(
	ctx context.Context,
	key string,
	auth *token.Data,
	username, ip string,
	mods sqlite.Modifications,
) (*token.Info, error) {
	info, err := m.GetTokenInfoUnchecked(ctx, key, username)
	if err != nil || info == nil {
		return nil, err
	}
	if info.Username != auth.Username && !slices.Contains(auth.Scopes, AdminScope) {
		logger.Warnw("Permission denied",
			"error", fmt.Sprintf("token owned by %s, not %s", info.Username, auth.Username))
		return nil, fmt.Errorf("%w: token owned by %s, not %s",
			token.ErrPermissionDenied, info.Username, auth.Username)
	}
	if info.Type != token.TypeUser {
		return nil, fmt.Errorf(
			"%w: only user tokens can be modified", token.ErrPermissionDenied)
	}
	if mods.Name != nil {
		if err := validateName(*mods.Name); err != nil {
			return nil, err
		}
	}
	if mods.Scopes != nil {
		if err := m.validateScopes(mods.Scopes, auth); err != nil {
			return nil, err
		}
		mods.Scopes = sortedScopes(mods.Scopes)
	}
	if err := validateExpires(mods.Expires); err != nil {
		return nil, err
	}

	updated, err := m.db.Modify(ctx, key, mods,
		func(old, updated *token.Info) *history.TokenChangeEntry {
			entry := &history.TokenChangeEntry{
				Token:     key,
				Username:  old.Username,
				Type:      token.TypeUser,
				Name:      updated.Name,
				Scopes:    updated.Scopes,
				Expires:   updated.Expires,
				Actor:     auth.Username,
				Action:    history.TokenChangeEdit,
				IPAddress: ip,
				EventTime: token.CurrentTime(),
			}
			if mods.Name != nil {
				oldName := old.Name
				entry.OldName = &oldName
			}
			if mods.Scopes != nil {
				entry.OldScopes = old.Scopes
			}
			if mods.Expires != nil || mods.NoExpire {
				entry.OldExpires = old.Expires
			}
			return entry
		})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if errors.Is(err, storage.ErrAlreadyExists) {
		return nil, token.NewValidationError(token.TypeDuplicateTokenName,
			fmt.Sprintf("Token name %q already used", *mods.Name),
			"body", "token_name")
	}
	if err != nil {
		return nil, err
	}

	// Propagate expiration changes to the token store, which holds the
	// authoritative TTL.
	if mods.Expires != nil || mods.NoExpire {
		data, err := m.store.GetByKey(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if mods.NoExpire {
			data.Expires = nil
		} else {
			data.Expires = mods.Expires
		}
		if err := m.store.Store(ctx, data, m.config.TokenLifetime()); err != nil {
			return nil, err
		}
	}

	logger.Infow("Modified token", "token_key", key,
		"token_name", updated.Name,
		"token_scope", strings.Join(updated.Scopes, ","))
	return updated, nil
}

// DeleteToken revokes a token, cascading to every descendant. It returns
// false when the token does not exist.
func (m *Manager) DeleteToken(
	ctx context.Context, key string, auth *token.Data, username, ip string,
) (bool, error) {
	info, err := m.GetTokenInfoUnchecked(ctx, key, username)
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}
	if info.Username != auth.Username && !slices.Contains(auth.Scopes, AdminScope) {
		logger.Warnw("Permission denied",
			"error", fmt.Sprintf("token owned by %s, not %s", info.Username, auth.Username))
		return false, fmt.Errorf("%w: token owned by %s, not %s",
			token.ErrPermissionDenied, info.Username, auth.Username)
	}

	eventTime := token.CurrentTime()
	deleted, err := m.db.DeleteWithChildren(ctx, key,
		func(doomed *token.Info) *history.TokenChangeEntry {
			return &history.TokenChangeEntry{
				Token:     doomed.Token,
				Username:  doomed.Username,
				Type:      doomed.Type,
				Name:      doomed.Name,
				Parent:    doomed.Parent,
				Scopes:    doomed.Scopes,
				Service:   doomed.Service,
				Expires:   doomed.Expires,
				Actor:     auth.Username,
				Action:    history.TokenChangeRevoke,
				IPAddress: ip,
				EventTime: eventTime,
			}
		})
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	for _, doomed := range deleted {
		if err := m.store.Delete(ctx, doomed.Token); err != nil {
			logger.Warnw("Cannot delete token from store",
				"token_key", doomed.Token, "error", err)
		}
	}
	logger.Infow("Deleted token", "token_key", key, "user", info.Username)
	return true, nil
}

// GetChangeHistory returns one page of change history. Callers without
// admin:token are restricted to their own tokens.
func (m *Manager) GetChangeHistory(
	ctx context.Context,
	auth *token.Data,
	filter history.TokenChangeFilter,
	cursorStr string,
	limit int,
) (*history.Paginated[history.TokenChangeEntry], error) {
	if !slices.Contains(auth.Scopes, AdminScope) {
		if filter.Username == "" || filter.Username != auth.Username {
			return nil, fmt.Errorf("%w: %s cannot view global change history",
				token.ErrPermissionDenied, auth.Username)
		}
	}
	var cursor *history.Cursor
	if cursorStr != "" {
		parsed, err := history.ParseCursor(cursorStr)
		if err != nil {
			return nil, err
		}
		cursor = &parsed
	}
	return m.history.ListTokenChanges(ctx, filter, cursor, limit)
}

// GetTokenChangeHistory returns all changes to one token in event order.
func (m *Manager) GetTokenChangeHistory(
	ctx context.Context, auth *token.Data, key, username string,
) ([]history.TokenChangeEntry, error) {
	if username != "" && username != auth.Username &&
		!slices.Contains(auth.Scopes, AdminScope) {
		return nil, fmt.Errorf("%w: %s cannot view history for %s",
			token.ErrPermissionDenied, auth.Username, username)
	}
	return m.history.ListTokenChangesForToken(ctx, key, username)
}

// ExpireTokens sweeps expired rows out of the database, recording an expire
// history entry for each. The store entries have already lapsed via TTL.
func (m *Manager) ExpireTokens(ctx context.Context) error {
	now := token.CurrentTime()
	expired, err := m.db.DeleteExpired(ctx, now,
		func(doomed *token.Info) *history.TokenChangeEntry {
			return &history.TokenChangeEntry{
				Token:     doomed.Token,
				Username:  doomed.Username,
				Type:      doomed.Type,
				Name:      doomed.Name,
				Parent:    doomed.Parent,
				Scopes:    doomed.Scopes,
				Service:   doomed.Service,
				Expires:   doomed.Expires,
				Actor:     doomed.Username,
				Action:    history.TokenChangeExpire,
				EventTime: now,
			}
		})
	if err != nil {
		return err
	}
	if len(expired) > 0 {
		logger.Infow("Expired tokens", "count", len(expired))
	}
	return nil
}

// storeNewToken writes a freshly minted token to the store and the database
// with its create history entry.
func (m *Manager) storeNewToken(
	ctx context.Context,
	data *token.Data,
	name, service, parent, actor, ip string,
) error {
	if err := m.store.Store(ctx, data, m.config.TokenLifetime()); err != nil {
		return err
	}
	info := &token.Info{
		Token:    data.Token.Key,
		Username: data.Username,
		Type:     data.Type,
		Name:     name,
		Scopes:   data.Scopes,
		Service:  service,
		Parent:   parent,
		Created:  data.Created,
		Expires:  data.Expires,
	}
	change := &history.TokenChangeEntry{
		Token:     data.Token.Key,
		Username:  data.Username,
		Type:      data.Type,
		Name:      name,
		Parent:    parent,
		Scopes:    data.Scopes,
		Service:   service,
		Expires:   data.Expires,
		Actor:     actor,
		Action:    history.TokenChangeCreate,
		IPAddress: ip,
		EventTime: data.Created,
	}
	err := m.db.Add(ctx, info, change)
	if errors.Is(err, storage.ErrAlreadyExists) {
		// Undo the store write so a name conflict doesn't leave a live
		// credential with no database row.
		_ = m.store.Delete(ctx, data.Token.Key)
		if name != "" && data.Type == token.TypeUser {
			return token.NewValidationError(token.TypeDuplicateTokenName,
				fmt.Sprintf("Token name %q already used", name),
				"body", "token_name")
		}
		return err
	}
	return err
}

// childData builds the token data for a derived token, capping the child's
// expiration at its parent's.
func (m *Manager) childData(
	parent *token.Data, tok token.Token, tokType token.Type, scopes []string,
) *token.Data {
	created := token.CurrentTime()
	expires := created.Add(m.config.TokenLifetime())
	if parent.Expires != nil && parent.Expires.Before(expires) {
		expires = *parent.Expires
	}
	return &token.Data{
		UserInfo: token.UserInfo{
			Username: parent.Username,
			Name:     parent.Name,
			UID:      parent.UID,
			Groups:   parent.Groups,
		},
		Token:   tok,
		Type:    tokType,
		Scopes:  scopes,
		Created: created,
		Expires: &expires,
	}
}

func (m *Manager) validateUsername(username string) error {
	if !config.ValidUsername(username) {
		return fmt.Errorf("%w: invalid username: %s", token.ErrPermissionDenied, username)
	}
	return nil
}

func validateName(name string) error {
	if len(name) < 1 || len(name) > 64 || strings.TrimSpace(name) == "" {
		return token.NewValidationError(token.TypeBadTokenName,
			"token_name must be 1 to 64 characters and not all whitespace",
			"body", "token_name")
	}
	return nil
}

func validateExpires(expires *time.Time) error {
	if expires == nil {
		return nil
	}
	if expires.Before(time.Now().Add(MinimumLifetime)) {
		return token.NewValidationError(token.TypeBadExpires,
			"token must be valid for at least five minutes",
			"body", "expires")
	}
	return nil
}

func (m *Manager) validateScopes(scopes []string, auth *token.Data) error {
	if len(scopes) == 0 {
		return nil
	}
	if auth != nil && !subset(scopes, auth.Scopes) {
		return token.NewValidationError(token.TypeBadScopes,
			"Requested scopes are broader than your current scopes",
			"body", "scopes")
	}
	for _, scope := range scopes {
		if !m.config.IsKnownScope(scope) {
			return token.NewValidationError(token.TypeBadScopes,
				fmt.Sprintf("Unknown scope %q requested", scope),
				"body", "scopes")
		}
	}
	return nil
}

func sortedScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return []string{}
	}
	out := append([]string(nil), scopes...)
	sort.Strings(out)
	return out
}

func subset(sub, super []string) bool {
	for _, s := range sub {
		if !slices.Contains(super, s) {
			return false
		}
	}
	return true
}
