// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package engine

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/rs/zerolog"

	"github.com/lrhodin/convsync/pkg/config"
)

// Author is the display information of a message sender.
type Author struct {
	ID          string
	DisplayName string
	IsSelf      bool
}

// AccountCache resolves sender IDs to display names. Profiles are fetched lazily
// and cached until Invalidate is called.
type AccountCache struct {
	log     zerolog.Logger
	cache   *ristretto.Cache[string, Author]
	fetcher ProfileFetcher
	cfg     *config.AccountsConfig
	selfID  string
}

func NewAccountCache(fetcher ProfileFetcher, cfg *config.AccountsConfig, selfID string, log zerolog.Logger) (*AccountCache, error) {
	maxEntries := cfg.GetMaxEntries()
	cache, err := ristretto.NewCache(&ristretto.Config[string, Author]{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create account cache: %w", err)
	}
	return &AccountCache{
		log:     log.With().Str("component", "account cache").Logger(),
		cache:   cache,
		fetcher: fetcher,
		cfg:     cfg,
		selfID:  selfID,
	}, nil
}

func (ac *AccountCache) fallback(id string) Author {
	return Author{ID: id, DisplayName: id, IsSelf: id == ac.selfID}
}

// Get returns the author info for an ID. Fetch errors aren't cached, so the
// next lookup tries again.
func (ac *AccountCache) Get(ctx context.Context, id string) Author {
	if id == "" {
		return Author{}
	}
	if author, ok := ac.cache.Get(id); ok {
		return author
	}
	if ac.fetcher == nil {
		return ac.fallback(id)
	}
	profile, err := ac.fetcher.FetchProfile(ctx, id)
	if err != nil {
		ac.log.Warn().Err(err).Str("account_id", id).Msg("Failed to fetch profile")
		return ac.fallback(id)
	}
	author := ac.fallback(id)
	if profile != nil {
		author.DisplayName = ac.cfg.FormatDisplayname(config.DisplaynameParams{
			FirstName: profile.FirstName,
			LastName:  profile.LastName,
			Nickname:  profile.Nickname,
			Phone:     profile.Phone,
			Email:     profile.Email,
			ID:        id,
		})
	}
	ac.cache.Set(id, author, 1)
	ac.cache.Wait()
	return author
}

// Forget drops one cached profile, e.g. after a contact changed.
func (ac *AccountCache) Forget(id string) {
	ac.cache.Del(id)
}

// Invalidate drops every cached profile.
func (ac *AccountCache) Invalidate() {
	ac.cache.Clear()
}

func (ac *AccountCache) Close() {
	ac.cache.Close()
}
