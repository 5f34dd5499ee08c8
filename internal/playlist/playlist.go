// Package playlist provides a read-only view over a parsed HLS media
// playlist, exposing the derived properties the fetcher state machine needs
// (head comparison, next-head projection, program-date derivation, and
// preload-hint projection) without re-exposing the raw parser output.
package playlist

import (
	"fmt"
	"time"

	gohls "github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// PreloadHintKind identifies what an advertised preload hint points at.
type PreloadHintKind string

const (
	PreloadHintPart PreloadHintKind = "part"
	PreloadHintMap  PreloadHintKind = "map"
)

// Byterange is an HTTP byte-range window, open-ended if Length is nil.
type Byterange struct {
	Offset uint64
	Length *uint64
}

// PreloadHint is a speculative fetch target advertised by the server.
type PreloadHint struct {
	URI       string
	Byterange Byterange
}

// Part is an LL-HLS partial segment.
type Part struct {
	Duration time.Duration
	URI      string
}

// Segment is one entry of the media playlist's segment list. A segment
// with HasURI false is a partial-only trailing segment: its Parts are
// present but no complete-segment URI has been advertised yet.
type Segment struct {
	URI         string
	HasURI      bool
	Duration    time.Duration
	ProgramTime *time.Time
	Parts       []Part
}

// Head identifies the most advanced (msn, part) pair a playlist represents.
type Head struct {
	MSN  uint64
	Part *int
}

// Playlist is the immutable, read-only façade described by the fetcher's
// monotonicity and scheduling logic. It is built once per successful parse
// and never mutated afterward.
type Playlist struct {
	mediaSequence  uint64
	targetDuration time.Duration
	partTarget     time.Duration
	canBlockReload bool
	partHoldBack   time.Duration
	iFramesOnly    bool
	ended          bool
	isVOD          bool
	lowLatency     bool
	segments       []Segment
	preloadHints   map[PreloadHintKind]PreloadHint
}

// FromMedia builds a Playlist from a gohlslib-parsed media playlist. When
// lowLatency is false, LL-HLS features are stripped per the projection
// rules: part_info, preload hints and rendition reports are dropped, the
// server_control part-hold-back entry is dropped, a trailing partial-only
// segment is dropped, and every remaining segment's parts are cleared.
func FromMedia(media *gohls.Media, lowLatency bool) (*Playlist, error) {
	if media == nil {
		return nil, fmt.Errorf("playlist: nil media playlist")
	}

	p := &Playlist{
		mediaSequence:  uint64(media.MediaSequence),
		targetDuration: time.Duration(media.TargetDuration) * time.Second,
		iFramesOnly:    media.IFramesOnly,
		ended:          media.Endlist,
		lowLatency:     lowLatency,
	}
	if media.PlaylistType != nil && string(*media.PlaylistType) == "VOD" {
		p.isVOD = true
	}

	if media.ServerControl != nil {
		p.canBlockReload = media.ServerControl.CanBlockReload
	}
	if lowLatency {
		if media.PartInf != nil {
			p.partTarget = secondsToDuration(media.PartInf.PartTarget)
		}
		if media.ServerControl != nil {
			if media.ServerControl.PartHoldBack != nil {
				p.partHoldBack = secondsToDuration(*media.ServerControl.PartHoldBack)
			}
		}
		p.preloadHints = projectPreloadHints(media.PreloadHints)
	}

	p.segments = make([]Segment, 0, len(media.Segments))
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		s := Segment{
			URI:      seg.URI,
			HasURI:   seg.URI != "",
			Duration: secondsToDuration(seg.Duration),
		}
		if seg.ProgramDateTime != nil {
			t := *seg.ProgramDateTime
			s.ProgramTime = &t
		}
		if lowLatency {
			for _, part := range seg.Parts {
				if part == nil {
					continue
				}
				s.Parts = append(s.Parts, Part{
					Duration: secondsToDuration(part.Duration),
					URI:      part.URI,
				})
			}
		}
		p.segments = append(p.segments, s)
	}

	if !lowLatency && len(p.segments) > 0 {
		last := p.segments[len(p.segments)-1]
		if !last.HasURI {
			p.segments = p.segments[:len(p.segments)-1]
		}
	}

	return p, nil
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func projectPreloadHints(hints []*gohls.MediaPreloadHint) map[PreloadHintKind]PreloadHint {
	out := make(map[PreloadHintKind]PreloadHint)
	for _, h := range hints {
		if h == nil || h.URI == "" {
			continue
		}
		var kind PreloadHintKind
		switch h.Type {
		case gohls.MediaPreloadHintTypePart:
			kind = PreloadHintPart
		case gohls.MediaPreloadHintTypeMap:
			kind = PreloadHintMap
		default:
			continue
		}
		br := Byterange{Offset: h.ByteRangeStart}
		if h.ByteRangeLength != nil {
			l := *h.ByteRangeLength
			br.Length = &l
		}
		// Later entries overwrite earlier ones of the same kind.
		out[kind] = PreloadHint{URI: h.URI, Byterange: br}
	}
	return out
}

// MediaSequence returns the playlist's EXT-X-MEDIA-SEQUENCE value.
func (p *Playlist) MediaSequence() uint64 { return p.mediaSequence }

// TargetDuration returns EXT-X-TARGETDURATION.
func (p *Playlist) TargetDuration() time.Duration { return p.targetDuration }

// PartTarget returns EXT-X-PART-INF's PART-TARGET, zero if absent or
// low-latency features were stripped.
func (p *Playlist) PartTarget() time.Duration { return p.partTarget }

// CanBlockReload reports EXT-X-SERVER-CONTROL's CAN-BLOCK-RELOAD.
func (p *Playlist) CanBlockReload() bool { return p.canBlockReload }

// IFramesOnly reports EXT-X-I-FRAMES-ONLY.
func (p *Playlist) IFramesOnly() bool { return p.iFramesOnly }

// Segments returns the playlist's ordered segment list.
func (p *Playlist) Segments() []Segment { return p.segments }

// PreloadHints returns the projected preload hints, empty when low-latency
// features were stripped.
func (p *Playlist) PreloadHints() map[PreloadHintKind]PreloadHint { return p.preloadHints }

// IsLive reports whether the playlist is not VOD and not ended.
func (p *Playlist) IsLive() bool { return !p.isVOD && !p.ended }

// LastMSN returns the media-sequence-number of the last full segment, or
// (if includePartial and the last segment is a partial-only trailing
// segment) the media-sequence-number that trailing segment would occupy.
func (p *Playlist) LastMSN(includePartial bool) uint64 {
	n := len(p.segments)
	if n == 0 {
		return p.mediaSequence
	}
	last := p.segments[n-1]
	msn := p.mediaSequence + uint64(n) - 1
	if !includePartial && !last.HasURI {
		if n == 1 {
			return p.mediaSequence
		}
		return msn - 1
	}
	return msn
}

// IsSameHead reports whether two playlists represent the same head: equal
// LastMSN(includePartial=true), and equal part counts on the two trailing
// segments.
func (p *Playlist) IsSameHead(other *Playlist) bool {
	if other == nil {
		return false
	}
	if p.LastMSN(true) != other.LastMSN(true) {
		return false
	}
	pLast, pOK := p.trailingSegment()
	oLast, oOK := other.trailingSegment()
	if pOK != oOK {
		return false
	}
	if pOK && oOK {
		return len(pLast.Parts) == len(oLast.Parts)
	}
	return true
}

func (p *Playlist) trailingSegment() (Segment, bool) {
	if len(p.segments) == 0 {
		return Segment{}, false
	}
	return p.segments[len(p.segments)-1], true
}

// NextHead computes the (msn, part) the client should request next for a
// blocking reload, per §4.3's nextHead rule.
func (p *Playlist) NextHead() Head {
	n := len(p.segments)
	if p.partTarget > 0 && !p.iFramesOnly {
		if n == 0 {
			return Head{MSN: p.mediaSequence}
		}
		last := p.segments[n-1]
		if last.HasURI {
			return Head{MSN: p.LastMSN(true) + 1, Part: intPtr(0)}
		}
		part := len(last.Parts)
		return Head{MSN: p.LastMSN(true), Part: &part}
	}
	if n == 0 {
		return Head{MSN: p.mediaSequence}
	}
	return Head{MSN: p.LastMSN(false) + 1}
}

func intPtr(v int) *int { return &v }

// StartDate returns the program-date-time of the segment at MediaSequence,
// if known.
func (p *Playlist) StartDate() *time.Time {
	if len(p.segments) == 0 {
		return nil
	}
	return p.segments[0].ProgramTime
}

// EndDate derives the instant the playlist's trailing edge represents,
// walking backward summing durations when the last segment lacks its own
// program-date-time.
func (p *Playlist) EndDate() *time.Time {
	n := len(p.segments)
	if n == 0 {
		return nil
	}
	last := p.segments[n-1]
	dur := segmentDuration(last)

	if last.ProgramTime != nil {
		end := last.ProgramTime.Add(dur)
		return &end
	}

	// Walk backward summing durations until we find a segment with a
	// known program-date-time, then project forward.
	accumulated := dur
	for i := n - 2; i >= 0; i-- {
		seg := p.segments[i]
		if seg.ProgramTime != nil {
			end := seg.ProgramTime.Add(accumulated + segmentDuration(seg))
			return &end
		}
		accumulated += segmentDuration(seg)
	}
	return nil
}

func segmentDuration(s Segment) time.Duration {
	if s.Duration > 0 {
		return s.Duration
	}
	var total time.Duration
	for _, part := range s.Parts {
		total += part.Duration
	}
	return total
}
