package playlist

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/grafov/m3u8"
	"github.com/rs/zerolog"
	"github.com/tanq16/vidq/internal/retry"
	"github.com/tanq16/vidq/internal/utils"
)

const locatorPrefix = "m3u8://"

var (
	ErrNoVariants = errors.New("master playlist has no variants")
	ErrNoSegments = errors.New("media playlist has no segments")
)

// maxNesting bounds master -> master indirection.
const maxNesting = 3

type Segment struct {
	URL      string
	Duration time.Duration
}

// Playlist is a resolved media playlist ready to be split into parts.
type Playlist struct {
	SourceURL string
	MediaURL  string
	Bandwidth uint32
	Segments  []Segment
}

func (p Playlist) TotalDuration() time.Duration {
	var d time.Duration
	for _, s := range p.Segments {
		d += s.Duration
	}
	return d
}

// IsLocator reports whether link names an HLS playlist.
func IsLocator(link string) bool {
	if strings.HasPrefix(link, locatorPrefix) {
		return true
	}
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	return strings.EqualFold(path.Ext(u.Path), ".m3u8")
}

func manifestURL(link string) string {
	return strings.TrimPrefix(link, locatorPrefix)
}

type Resolver struct {
	client *utils.HTTPClient
	log    zerolog.Logger
}

func NewResolver(client *utils.HTTPClient) *Resolver {
	return &Resolver{client: client, log: utils.GetLogger("playlist")}
}

// Resolve fetches the playlist at link. A master playlist is followed to its highest-bandwidth variant.
func (r *Resolver) Resolve(ctx context.Context, link string) (Playlist, error) {
	source := manifestURL(link)
	current := source
	var bandwidth uint32
	for range maxNesting {
		pl, listType, err := r.fetch(ctx, current)
		if err != nil {
			return Playlist{}, err
		}
		base, err := url.Parse(current)
		if err != nil {
			return Playlist{}, fmt.Errorf("error parsing manifest URL: %w", err)
		}
		switch listType {
		case m3u8.MASTER:
			variant := bestVariant(pl.(*m3u8.MasterPlaylist))
			if variant == nil {
				return Playlist{}, ErrNoVariants
			}
			bandwidth = variant.Bandwidth
			current = resolveURL(base, variant.URI)
			r.log.Debug().Str("variant", current).Uint32("bandwidth", bandwidth).Msg("selected variant")
		case m3u8.MEDIA:
			segs := mediaSegments(pl.(*m3u8.MediaPlaylist), base)
			if len(segs) == 0 {
				return Playlist{}, ErrNoSegments
			}
			return Playlist{SourceURL: source, MediaURL: current, Bandwidth: bandwidth, Segments: segs}, nil
		default:
			return Playlist{}, fmt.Errorf("unknown playlist type at %s", current)
		}
	}
	return Playlist{}, fmt.Errorf("playlist nesting deeper than %d at %s", maxNesting, source)
}

func (r *Resolver) fetch(ctx context.Context, link string) (m3u8.Playlist, m3u8.ListType, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("error creating request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, 0, retry.Wrap("fetch playlist", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, retry.HTTPStatusFailure("fetch playlist", resp.StatusCode)
	}
	pl, listType, err := m3u8.DecodeFrom(resp.Body, true)
	if err != nil {
		return nil, 0, fmt.Errorf("error decoding playlist %s: %w", link, err)
	}
	return pl, listType, nil
}

func bestVariant(p *m3u8.MasterPlaylist) *m3u8.Variant {
	var best *m3u8.Variant
	for _, v := range p.Variants {
		if v == nil || v.URI == "" || v.Iframe {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best
}

func mediaSegments(p *m3u8.MediaPlaylist, base *url.URL) []Segment {
	var segs []Segment
	for _, s := range p.Segments {
		if s == nil || s.URI == "" {
			continue
		}
		segs = append(segs, Segment{
			URL:      resolveURL(base, s.URI),
			Duration: time.Duration(s.Duration * float64(time.Second)),
		})
	}
	return segs
}

func resolveURL(base *url.URL, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(refURL).String()
}

// Parts turns every segment into a part; output paths are left for the engine to assign.
func (p Playlist) Parts() []utils.Part {
	parts := make([]utils.Part, len(p.Segments))
	for i, s := range p.Segments {
		parts[i] = utils.Part{
			CID:        utils.HashID(s.URL),
			Title:      fmt.Sprintf("seg%05d", i+1),
			PartNumber: i + 1,
			URL:        s.URL,
		}
	}
	return parts
}
