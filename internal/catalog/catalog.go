// Package catalog turns the remote key-file index into the ordered batches
// that still need to be handed to the Matching Engine.
//
// The index is a whitespace separated list of file references in server
// publication order, e.g.
//
//	us/1600000000-00001.zip
//	us/1600000000-00002.zip
//	us/1600043200-00001.zip
//
// Everything up to and including the checkpoint has already been submitted.
package catalog

import (
	"strings"

	"github.com/ChuLiYu/exposure-pipeline/pkg/types"
)

// Options controls how the remaining entries are grouped.
type Options struct {
	// MaxFilesPerBatch caps the number of refs in one batch. 0 means no cap.
	MaxFilesPerBatch int
	// SplitByRegion starts a new batch whenever the `<region>/` prefix of a
	// ref changes. Refs without a prefix use types.DefaultRegionCode.
	SplitByRegion bool
}

// ParseIndex splits the index on whitespace into trimmed, non-empty refs.
func ParseIndex(content string) []string {
	return strings.Fields(content)
}

// StartIndex returns the position right after lastProcessed in entries.
// An absent checkpoint ("") or one that is no longer listed (the index was
// rotated) yields 0.
func StartIndex(entries []string, lastProcessed string) int {
	if lastProcessed == "" {
		return 0
	}
	for i, e := range entries {
		if e == lastProcessed {
			return i + 1
		}
	}
	return 0
}

// Resolve returns the refs after lastProcessed as a single batch, or nil when
// nothing is left. It never fails.
func Resolve(content, lastProcessed string) []types.KeyFileBatch {
	return ResolveWith(content, lastProcessed, Options{})
}

// ResolveWith is Resolve with grouping options. Batches keep index order and
// are numbered from types.DefaultBatchNumber per region.
func ResolveWith(content, lastProcessed string, opts Options) []types.KeyFileBatch {
	entries := ParseIndex(content)
	remaining := entries[StartIndex(entries, lastProcessed):]
	if len(remaining) == 0 {
		return nil
	}

	var batches []types.KeyFileBatch
	numbers := make(map[string]int)
	var cur *types.KeyFileBatch

	flush := func() {
		if cur != nil && len(cur.FileRefs) > 0 {
			batches = append(batches, *cur)
		}
		cur = nil
	}

	for _, ref := range remaining {
		region := types.DefaultRegionCode
		if opts.SplitByRegion {
			region = RegionOf(ref)
		}

		full := cur != nil && opts.MaxFilesPerBatch > 0 && len(cur.FileRefs) >= opts.MaxFilesPerBatch
		if cur == nil || cur.RegionCode != region || full {
			flush()
			if _, ok := numbers[region]; !ok {
				numbers[region] = types.DefaultBatchNumber
			} else {
				numbers[region]++
			}
			cur = &types.KeyFileBatch{RegionCode: region, BatchNumber: numbers[region]}
		}
		cur.FileRefs = append(cur.FileRefs, ref)
	}
	flush()

	return batches
}

// Flatten returns every ref of batches in order.
func Flatten(batches []types.KeyFileBatch) []string {
	var refs []string
	for _, b := range batches {
		refs = append(refs, b.FileRefs...)
	}
	return refs
}

// RegionOf returns the first path segment of ref, or the default region for
// refs without one.
func RegionOf(ref string) string {
	if i := strings.IndexByte(ref, '/'); i > 0 {
		return ref[:i]
	}
	return types.DefaultRegionCode
}
