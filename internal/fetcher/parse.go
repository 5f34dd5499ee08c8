package fetcher

import (
	"fmt"

	gohls "github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// parseIndex delegates tokenizing/parsing to gohlslib/v2/pkg/playlist (the
// "M3U8 tokenizer/parser" spec §1 treats as an external collaborator) and
// classifies the result as master or media (spec §3 PlaylistKind).
//
// extensions names vendor tags the caller wants preserved verbatim; gohlslib
// has no extension-tag registration hook, so this is accepted for API
// parity with spec §4.2's opts.extensions and is a caller-visible no-op -
// see DESIGN.md's Open Question ledger.
func parseIndex(text string, extensions map[string]bool) (Index, error) {
	raw, err := gohls.Unmarshal([]byte(text))
	if err != nil {
		return Index{}, newError(ErrorKindParser, "fetcher: parsing playlist", err)
	}

	switch p := raw.(type) {
	case *gohls.Media:
		return Index{Kind: KindMedia, Media: p}, nil
	case *gohls.Multivariant:
		return Index{Kind: KindMaster, Master: p}, nil
	default:
		return Index{}, newError(ErrorKindParser, fmt.Sprintf("fetcher: unrecognized playlist type %T", raw), nil)
	}
}
