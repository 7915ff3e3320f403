package api

import (
	"context"
	"regexp"
	"sort"
	"strings"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/logging"
)

var (
	linkRegex    = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"']+`)
	mentionRegex = regexp.MustCompile(`(?:^|[\s(])(@([a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+))`)
	tagRegex     = regexp.MustCompile(`(?:^|\s)(#([^\s#.,;:!?()\[\]{}"']+))`)
)

// HandleResolver resolves a handle to a DID.
type HandleResolver func(ctx context.Context, handle string) (string, error)

// DetectFacets finds links, mentions and hashtags in text. Mentions of handles
// that do not resolve are left as plain text. Offsets are UTF-8 byte offsets.
func (bsc *BlueskyClient) DetectFacets(ctx context.Context, text string) ([]*appbsky.RichtextFacet, error) {
	return detectFacets(ctx, text, bsc.resolveHandle), nil
}

// resolveHandle resolves handle through the PDS, caching results.
func (bsc *BlueskyClient) resolveHandle(ctx context.Context, handle string) (string, error) {
	handle = strings.ToLower(handle)
	if did, ok := bsc.handles.Get(handle); ok {
		return did, nil
	}
	resp, err := comatproto.IdentityResolveHandle(ctx, bsc.client, handle)
	if err != nil {
		return "", err
	}
	bsc.handles.Add(handle, resp.Did)
	return resp.Did, nil
}

func detectFacets(ctx context.Context, text string, resolve HandleResolver) []*appbsky.RichtextFacet {
	var facets []*appbsky.RichtextFacet

	// --- Find Links ---
	var linkSpans [][2]int
	for _, m := range linkRegex.FindAllStringIndex(text, -1) {
		start, end := m[0], m[1]
		end = start + len(strings.TrimRight(text[start:end], ".,;:!?)"))
		linkSpans = append(linkSpans, [2]int{start, end})
		facets = append(facets, &appbsky.RichtextFacet{
			Index: &appbsky.RichtextFacet_ByteSlice{ByteStart: int64(start), ByteEnd: int64(end)},
			Features: []*appbsky.RichtextFacet_Features_Elem{
				{RichtextFacet_Link: &appbsky.RichtextFacet_Link{Uri: text[start:end]}},
			},
		})
	}
	inLink := func(pos int) bool {
		for _, s := range linkSpans {
			if pos >= s[0] && pos < s[1] {
				return true
			}
		}
		return false
	}

	// --- Find Mentions ---
	for _, m := range mentionRegex.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[2], m[3]
		if inLink(start) || (end < len(text) && text[end] == '@') {
			continue
		}
		handle := text[m[4]:m[5]]
		if resolve == nil {
			continue
		}
		did, err := resolve(ctx, handle)
		if err != nil {
			logging.Debug("Failed to resolve handle '%s': %v. Skipping mention facet.", handle, err)
			continue
		}
		facets = append(facets, &appbsky.RichtextFacet{
			Index: &appbsky.RichtextFacet_ByteSlice{ByteStart: int64(start), ByteEnd: int64(end)},
			Features: []*appbsky.RichtextFacet_Features_Elem{
				{RichtextFacet_Mention: &appbsky.RichtextFacet_Mention{Did: did}},
			},
		})
	}

	// --- Find Tags ---
	for _, m := range tagRegex.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[2], m[3]
		if inLink(start) {
			continue
		}
		tag := text[m[4]:m[5]]
		if isAllDigits(tag) || len(tag) > 64 {
			continue
		}
		facets = append(facets, &appbsky.RichtextFacet{
			Index: &appbsky.RichtextFacet_ByteSlice{ByteStart: int64(start), ByteEnd: int64(end)},
			Features: []*appbsky.RichtextFacet_Features_Elem{
				{RichtextFacet_Tag: &appbsky.RichtextFacet_Tag{Tag: tag}},
			},
		})
	}

	sort.SliceStable(facets, func(i, j int) bool {
		return facets[i].Index.ByteStart < facets[j].Index.ByteStart
	})
	return facets
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
