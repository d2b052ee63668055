// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

// Package admin manages the persistent token administrator allow-list.
package admin

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/history"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/sqlite"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// AdminScope is the scope required to manage the admin set.
const AdminScope = "admin:token"

// BootstrapActor is the synthetic actor recorded for changes made at
// startup from the initial_admins configuration.
const BootstrapActor = "<bootstrap>"

// Service manages the admin allow-list.
type Service struct {
	store *sqlite.AdminStore
}

// NewService creates an admin service.
func NewService(store *sqlite.AdminStore) *Service {
	return &Service{store: store}
}

// IsAdmin reports whether the user is a token administrator.
func (s *Service) IsAdmin(ctx context.Context, username string) (bool, error) {
	return s.store.Contains(ctx, username)
}

// List returns all admins. Requires admin:token.
func (s *Service) List(ctx context.Context, auth *token.Data) ([]string, error) {
	if !slices.Contains(auth.Scopes, AdminScope) {
		return nil, fmt.Errorf("%w: missing required %s scope",
			token.ErrPermissionDenied, AdminScope)
	}
	return s.store.List(ctx)
}

// Add grants admin rights to a user. Requires admin:token.
func (s *Service) Add(ctx context.Context, username string, auth *token.Data, ip string) error {
	if !slices.Contains(auth.Scopes, AdminScope) {
		return fmt.Errorf("%w: missing required %s scope",
			token.ErrPermissionDenied, AdminScope)
	}
	if !config.ValidUsername(username) {
		return fmt.Errorf("%w: invalid username: %s", token.ErrPermissionDenied, username)
	}
	err := s.store.Add(ctx, &history.AdminChangeEntry{
		Username:  username,
		Action:    history.AdminChangeAdd,
		Actor:     auth.Username,
		IPAddress: ip,
		EventTime: token.CurrentTime(),
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		// Adding an existing admin is idempotent.
		return nil
	}
	if err != nil {
		return err
	}
	logger.Infow("Added admin", "admin", username, "actor", auth.Username)
	return nil
}

// Delete revokes admin rights. Requires admin:token. Returns
// token.ErrNotFound when the user is not an admin.
func (s *Service) Delete(ctx context.Context, username string, auth *token.Data, ip string) error {
	if !slices.Contains(auth.Scopes, AdminScope) {
		return fmt.Errorf("%w: missing required %s scope",
			token.ErrPermissionDenied, AdminScope)
	}
	err := s.store.Delete(ctx, &history.AdminChangeEntry{
		Username:  username,
		Action:    history.AdminChangeRemove,
		Actor:     auth.Username,
		IPAddress: ip,
		EventTime: token.CurrentTime(),
	})
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: specified user is not an administrator", token.ErrNotFound)
	}
	if err != nil {
		return err
	}
	logger.Infow("Removed admin", "admin", username, "actor", auth.Username)
	return nil
}

// Bootstrap seeds the admin set from configuration when it is empty.
func (s *Service) Bootstrap(ctx context.Context, initialAdmins []string) error {
	entries := make([]*history.AdminChangeEntry, 0, len(initialAdmins))
	now := token.CurrentTime()
	for _, username := range initialAdmins {
		entries = append(entries, &history.AdminChangeEntry{
			Username:  username,
			Action:    history.AdminChangeAdd,
			Actor:     BootstrapActor,
			IPAddress: "127.0.0.1",
			EventTime: now,
		})
	}
	return s.store.Bootstrap(ctx, entries)
}
