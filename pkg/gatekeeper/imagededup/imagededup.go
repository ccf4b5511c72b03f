// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package imagededup recognizes reposted images by comparing perceptual
// hashes of everything posted before.
package imagededup

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/corona10/goimagehash"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/gkerr"
)

// DefaultMaxDistance is the exclusive Hamming distance bound for a match.
const DefaultMaxDistance = 2

// Downloader fetches media by content URI.
type Downloader interface {
	DownloadMedia(ctx context.Context, uri id.ContentURI) ([]byte, error)
}

// Cache persists digests by content URI. Get must return a
// [gkerr.KindNotFound] error for unknown URIs.
type Cache interface {
	GetPHash(mxc string) (uint64, error)
	PutPHash(mxc string, digest uint64) error
	ForEachPHash(fn func(mxc string, digest uint64) error) error
}

// Hasher turns an image into a digest and compares digests.
type Hasher interface {
	Hash(data []byte) (uint64, error)
	Distance(a, b uint64) (int, error)
}

// PerceptionHasher is a DCT based 64-bit perceptual hash.
type PerceptionHasher struct{}

var _ Hasher = PerceptionHasher{}

func (PerceptionHasher) Hash(data []byte) (uint64, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, gkerr.New(gkerr.KindInvalidArgument, "decode image", err)
	}
	h, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return 0, fmt.Errorf("failed to hash image: %w", err)
	}
	return h.GetHash(), nil
}

func (PerceptionHasher) Distance(a, b uint64) (int, error) {
	return goimagehash.NewImageHash(a, goimagehash.PHash).Distance(goimagehash.NewImageHash(b, goimagehash.PHash))
}

// Match is a previously seen image close to the checked one.
type Match struct {
	MXC      string
	Distance int
}

// Checker hashes new images and looks for near duplicates.
type Checker struct {
	media       Downloader
	cache       Cache
	hasher      Hasher
	maxDistance int
	log         zerolog.Logger
}

// New creates a checker. maxDistance <= 0 selects DefaultMaxDistance.
func New(media Downloader, cache Cache, hasher Hasher, maxDistance int, log zerolog.Logger) *Checker {
	if maxDistance <= 0 {
		maxDistance = DefaultMaxDistance
	}
	if hasher == nil {
		hasher = PerceptionHasher{}
	}
	return &Checker{
		media:       media,
		cache:       cache,
		hasher:      hasher,
		maxDistance: maxDistance,
		log:         log.With().Str("component", "imagededup").Logger(),
	}
}

// Check returns the closest earlier image within the distance bound, or
// nil. The digest of uri is cached, so each image is downloaded once.
func (c *Checker) Check(ctx context.Context, uri id.ContentURI) (*Match, error) {
	if uri.IsEmpty() {
		return nil, gkerr.Newf(gkerr.KindInvalidArgument, "check image", "empty content uri")
	}
	mxc := uri.String()
	digest, err := c.digest(ctx, uri)
	if err != nil {
		return nil, err
	}

	var best *Match
	err = c.cache.ForEachPHash(func(other string, d uint64) error {
		if other == mxc {
			return nil
		}
		dist, err := c.hasher.Distance(digest, d)
		if err != nil {
			return err
		}
		if dist < c.maxDistance && (best == nil || dist < best.Distance) {
			best = &Match{MXC: other, Distance: dist}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compare digests: %w", err)
	}
	if best != nil {
		c.log.Debug().Str("mxc", mxc).Str("match", best.MXC).Int("distance", best.Distance).Msg("Duplicate image")
	}
	return best, nil
}

func (c *Checker) digest(ctx context.Context, uri id.ContentURI) (uint64, error) {
	mxc := uri.String()
	d, err := c.cache.GetPHash(mxc)
	if err == nil {
		return d, nil
	} else if !gkerr.Is(err, gkerr.KindNotFound) {
		return 0, fmt.Errorf("failed to read digest cache: %w", err)
	}
	data, err := c.media.DownloadMedia(ctx, uri)
	if err != nil {
		return 0, fmt.Errorf("failed to download %s: %w", mxc, err)
	}
	d, err = c.hasher.Hash(data)
	if err != nil {
		return 0, err
	}
	if err := c.cache.PutPHash(mxc, d); err != nil {
		return 0, fmt.Errorf("failed to cache digest: %w", err)
	}
	return d, nil
}
