// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"fmt"
	"time"

	"github.com/mobiletoly/go-overcache/localstore"
)

const (
	ReferenceTTL     = 24 * time.Hour
	TransactionalTTL = 5 * time.Minute
	DefaultTTL       = 15 * time.Minute
)

// Collection describes how one remote collection is cached and written.
type Collection struct {
	Name string `yaml:"name"`
	// TTL after which a cached snapshot is stale. Zero means the registry default.
	TTL time.Duration `yaml:"ttl"`
	// Cacheable collections are stored locally and accept offline writes.
	Cacheable bool `yaml:"cacheable"`
	// DraftOnOffline forces status=draft on offline inserts (financial documents).
	DraftOnOffline bool `yaml:"draft_on_offline"`
	// Unscoped collections are shared by every tenant.
	Unscoped bool `yaml:"unscoped"`
}

// DefaultCollections is the accounting data set served by the engine.
func DefaultCollections() []Collection {
	ref := func(name string) Collection {
		return Collection{Name: name, TTL: ReferenceTTL, Cacheable: true}
	}
	tx := func(name string, draft bool) Collection {
		return Collection{Name: name, TTL: TransactionalTTL, Cacheable: true, DraftOnOffline: draft}
	}
	companies := ref("companies")
	companies.Unscoped = true

	return []Collection{
		ref("chart_of_accounts"),
		ref("journals"),
		ref("accounting_periods"),
		ref("third_parties"),
		ref("articles"),
		companies,
		ref("user_companies"),
		tx("invoices", true),
		tx("journal_entries", true),
		tx("journal_entry_lines", false),
		tx("payments", false),
		tx("bank_transactions", false),
	}
}

// Collections is the registry of known collections.
type Collections struct {
	byName     map[string]Collection
	order      []string
	defaultTTL time.Duration
}

// NewCollections builds a registry. defaultTTL applies to collections without
// a TTL; zero means DefaultTTL.
func NewCollections(list []Collection, defaultTTL time.Duration) (*Collections, error) {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	c := &Collections{byName: make(map[string]Collection, len(list)), defaultTTL: defaultTTL}
	for _, col := range list {
		if col.Name == "" {
			return nil, fmt.Errorf("collection without a name")
		}
		if _, dup := c.byName[col.Name]; dup {
			return nil, fmt.Errorf("duplicate collection %q", col.Name)
		}
		if col.TTL <= 0 {
			col.TTL = defaultTTL
		}
		c.byName[col.Name] = col
		c.order = append(c.order, col.Name)
	}
	return c, nil
}

// Lookup returns the collection or a ConfigurationError.
func (c *Collections) Lookup(name string) (Collection, error) {
	col, ok := c.byName[name]
	if !ok {
		return Collection{}, unknownCollection(name)
	}
	return col, nil
}

// TTL returns the freshness window of a collection.
func (c *Collections) TTL(name string) time.Duration {
	if col, ok := c.byName[name]; ok {
		return col.TTL
	}
	return c.defaultTTL
}

// IsFresh reports whether a snapshot synced at lastSyncedAt is still within
// the collection's TTL at now. A nil lastSyncedAt is never fresh.
func (c *Collections) IsFresh(name string, lastSyncedAt *time.Time, now time.Time) bool {
	return IsFresh(c.TTL(name), lastSyncedAt, now)
}

// IsFresh is the freshness rule: now - lastSyncedAt < ttl.
func IsFresh(ttl time.Duration, lastSyncedAt *time.Time, now time.Time) bool {
	if lastSyncedAt == nil {
		return false
	}
	return now.Sub(*lastSyncedAt) < ttl
}

// StoreCollections lists the cacheable collections for localstore.Open.
func (c *Collections) StoreCollections() []localstore.Collection {
	var out []localstore.Collection
	for _, name := range c.order {
		col := c.byName[name]
		if col.Cacheable {
			out = append(out, localstore.Collection{Name: col.Name, Unscoped: col.Unscoped})
		}
	}
	return out
}

// Names returns collection names in registration order.
func (c *Collections) Names() []string {
	return append([]string(nil), c.order...)
}
