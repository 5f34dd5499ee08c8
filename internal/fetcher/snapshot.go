package fetcher

import (
	"time"

	gohls "github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"github.com/jmylchreest/hlspoll/internal/playlist"
)

// Kind identifies whether a parsed manifest is a master or media playlist
// (spec §3 PlaylistKind).
type Kind int

const (
	KindMedia Kind = iota
	KindMaster
)

func (k Kind) String() string {
	if k == KindMaster {
		return "master"
	}
	return "media"
}

// Index is the immutable parsed manifest carried by a Snapshot. Exactly
// one of Media/Master is set, selected by Kind.
type Index struct {
	Kind   Kind
	Media  *gohls.Media
	Master *gohls.Multivariant
}

// IsLive reports whether the underlying manifest represents a playlist
// that may still receive updates (spec §3 "isLive()"). Master playlists
// are never live: per spec §1 non-goals, they are returned as-is and the
// engine stops.
func (i Index) IsLive(p *playlist.Playlist) bool {
	if i.Kind == KindMaster {
		return false
	}
	return p != nil && p.IsLive()
}

// Meta is the per-snapshot fetch metadata (spec §3 PlaylistSnapshot.meta).
type Meta struct {
	URL      string
	Updated  time.Time
	Modified *time.Time
}

// Snapshot is the immutable delivery unit produced on every successful
// refresh (spec §3 PlaylistSnapshot).
type Snapshot struct {
	Index    Index
	Playlist *playlist.Playlist // nil when Index.Kind == KindMaster
	Meta     Meta
}
