package publication

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FlexInt decodes integers that the catalog sends either as numbers or as
// quoted strings.
type FlexInt int

// UnmarshalJSON accepts 12, "12" and "" (zero).
func (f *FlexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode quoted int: %w", err)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("decode quoted int %q: %w", s, err)
		}
		*f = FlexInt(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode int: %w", err)
	}
	*f = FlexInt(n)
	return nil
}

// RawRecord is one entry of a catalog page's collection, as sent on the wire.
type RawRecord struct {
	DOI                    string  `json:"doi"`
	Title                  string  `json:"title"`
	Authors                string  `json:"authors"`
	AuthorCorresponding    string  `json:"author_corresponding"`
	AuthorCorrespondingOrg string  `json:"author_corresponding_institution"`
	Date                   string  `json:"date"`
	Version                FlexInt `json:"version"`
	Type                   string  `json:"type"`
	License                string  `json:"license"`
	Category               string  `json:"category"`
	JATSXML                string  `json:"jatsxml"`
	Abstract               string  `json:"abstract"`
	Published              string  `json:"published"`
	Server                 string  `json:"server"`
}

// PageMessage is the pagination block of a catalog page.
type PageMessage struct {
	Status string  `json:"status"`
	Cursor FlexInt `json:"cursor"`
	Count  FlexInt `json:"count"`
	Total  FlexInt `json:"total"`
}

// Page is one decoded catalog response.
type Page struct {
	Collection []json.RawMessage `json:"collection"`
	Messages   []PageMessage     `json:"messages"`
}

// Total returns the total item count reported by the first message block.
func (p Page) Total() int {
	if len(p.Messages) == 0 {
		return 0
	}
	return int(p.Messages[0].Total)
}

// Validate converts the wire record into a Publication. The returned error
// wraps ErrInvalidRecord.
func (r RawRecord) Validate() (Publication, error) {
	doi := strings.TrimSpace(r.DOI)
	if doi == "" {
		return Publication{}, fmt.Errorf("%w: missing doi", ErrInvalidRecord)
	}
	if r.Version <= 0 {
		return Publication{}, fmt.Errorf("%w: doi %s: version must be > 0", ErrInvalidRecord, doi)
	}
	title := strings.TrimSpace(r.Title)
	if title == "" {
		return Publication{}, fmt.Errorf("%w: doi %s: missing title", ErrInvalidRecord, doi)
	}
	date := strings.TrimSpace(r.Date)
	if _, err := time.Parse(DateLayout, date); err != nil {
		return Publication{}, fmt.Errorf("%w: doi %s: date %q", ErrInvalidRecord, doi, r.Date)
	}
	return Publication{
		DOI:                    doi,
		Version:                int(r.Version),
		Title:                  title,
		Authors:                SplitAuthors(r.Authors),
		AuthorCorresponding:    strings.TrimSpace(r.AuthorCorresponding),
		AuthorCorrespondingOrg: strings.TrimSpace(r.AuthorCorrespondingOrg),
		Date:                   date,
		Type:                   strings.TrimSpace(r.Type),
		License:                strings.TrimSpace(r.License),
		Category:               strings.TrimSpace(r.Category),
		JATSXML:                strings.TrimSpace(r.JATSXML),
		Abstract:               strings.TrimSpace(r.Abstract),
		Published:              strings.TrimSpace(r.Published),
		Server:                 strings.ToLower(strings.TrimSpace(r.Server)),
	}, nil
}

// SplitAuthors splits the catalog's "A; B; C" author string, keeping order.
func SplitAuthors(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
