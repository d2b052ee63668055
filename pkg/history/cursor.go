// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

package history

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

var cursorRegex = regexp.MustCompile(`^p?\d+_\d+$`)

// Cursor is a pagination position in a history listing. It pairs the event
// time with the row id as a tiebreaker so paging is stable under concurrent
// appends.
type Cursor struct {
	// Time is the event time position.
	Time time.Time

	// ID is the row id position.
	ID int64

	// Previous selects backwards pagination.
	Previous bool
}

// ParseCursor decodes the string form p?<unix>_<id>.
func ParseCursor(s string) (Cursor, error) {
	if !cursorRegex.MatchString(s) {
		return Cursor{}, token.NewValidationError(
			token.TypeBadCursor, fmt.Sprintf("Invalid cursor: %s", s), "query", "cursor")
	}
	previous := strings.HasPrefix(s, "p")
	trimmed := strings.TrimPrefix(s, "p")
	timePart, idPart, _ := strings.Cut(trimmed, "_")
	seconds, err := strconv.ParseInt(timePart, 10, 64)
	if err != nil {
		return Cursor{}, token.NewValidationError(
			token.TypeBadCursor, fmt.Sprintf("Invalid cursor: %s", s), "query", "cursor")
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return Cursor{}, token.NewValidationError(
			token.TypeBadCursor, fmt.Sprintf("Invalid cursor: %s", s), "query", "cursor")
	}
	return Cursor{Time: time.Unix(seconds, 0).UTC(), ID: id, Previous: previous}, nil
}

// String serializes the cursor.
func (c Cursor) String() string {
	prefix := ""
	if c.Previous {
		prefix = "p"
	}
	return fmt.Sprintf("%s%d_%d", prefix, c.Time.Unix(), c.ID)
}

// Paginated wraps one page of history entries with its cursors.
type Paginated[E any] struct {
	// Entries is the page contents.
	Entries []E

	// Count is the total number of entries matching the query.
	Count int

	// NextCursor positions the next page, if any.
	NextCursor *Cursor

	// PrevCursor positions the previous page, if any.
	PrevCursor *Cursor
}

// LinkHeader builds the RFC 8288 Link header for this page relative to the
// request URL.
func (p *Paginated[E]) LinkHeader(base *url.URL) string {
	first := *base
	params := first.Query()
	params.Del("cursor")
	first.RawQuery = params.Encode()

	header := fmt.Sprintf(`<%s>; rel="first"`, first.String())
	if p.NextCursor != nil {
		next := first
		nextParams := next.Query()
		nextParams.Set("cursor", p.NextCursor.String())
		next.RawQuery = nextParams.Encode()
		header += fmt.Sprintf(`, <%s>; rel="next"`, next.String())
	}
	if p.PrevCursor != nil {
		prev := first
		prevParams := prev.Query()
		prevParams.Set("cursor", p.PrevCursor.String())
		prev.RawQuery = prevParams.Encode()
		header += fmt.Sprintf(`, <%s>; rel="prev"`, prev.String())
	}
	return header
}
