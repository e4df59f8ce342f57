package metadata

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"path"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tanq16/vidq/internal/cache"
	"github.com/tanq16/vidq/internal/config"
	"github.com/tanq16/vidq/internal/playlist"
	"github.com/tanq16/vidq/internal/transport"
	"github.com/tanq16/vidq/internal/utils"
)

var ErrUnsupportedLocator = errors.New("unsupported locator")

type PlaylistResolver interface {
	Resolve(ctx context.Context, link string) (playlist.Playlist, error)
}

type Prober interface {
	Probe(ctx context.Context, link string) (transport.RemoteInfo, error)
}

type ObjectStatter interface {
	Stat(ctx context.Context, link string) (int64, error)
}

// Service turns a source locator into a request template. Results are cached by the
// locator hash, and each title is indexed as a short code.
type Service struct {
	cache     *cache.Cache[utils.Request]
	playlists PlaylistResolver
	http      Prober
	s3        ObjectStatter
	log       zerolog.Logger
}

func NewService(cfg config.CacheConfig, playlists PlaylistResolver, http Prober, s3 ObjectStatter) *Service {
	return &Service{
		cache:     cache.New[utils.Request](cfg.TTL, cfg.MaxSize, cfg.SweepInterval),
		playlists: playlists,
		http:      http,
		s3:        s3,
		log:       utils.GetLogger("metadata"),
	}
}

func (s *Service) Cache() *cache.Cache[utils.Request] {
	return s.cache
}

// Resolve returns a request for locator. The returned value is a copy and may be modified.
func (s *Service) Resolve(ctx context.Context, locator string) (utils.Request, error) {
	id := utils.HashID(locator)
	if req, ok := s.cache.Get(id); ok {
		s.log.Debug().Str("locator", locator).Msg("metadata cache hit")
		return clone(req), nil
	}
	req, err := s.fetch(ctx, locator)
	if err != nil {
		return utils.Request{}, err
	}
	s.cache.Put(id, req)
	s.cache.PutCode(req.Title, id)
	s.log.Debug().Str("locator", locator).Str("title", req.Title).Int("parts", req.PartCount()).Msg("metadata resolved")
	return clone(req), nil
}

// Lookup finds a previously resolved request by its title.
func (s *Service) Lookup(title string) (utils.Request, bool) {
	id, ok := s.cache.GetIDByCode(title)
	if !ok {
		return utils.Request{}, false
	}
	req, ok := s.cache.Get(id)
	if !ok {
		return utils.Request{}, false
	}
	return clone(req), true
}

func (s *Service) Invalidate(locator string) {
	s.cache.Invalidate(utils.HashID(locator))
}

func (s *Service) fetch(ctx context.Context, locator string) (utils.Request, error) {
	if playlist.IsLocator(locator) {
		if s.playlists == nil {
			return utils.Request{}, fmt.Errorf("%w: no playlist resolver for %s", ErrUnsupportedLocator, locator)
		}
		pl, err := s.playlists.Resolve(ctx, locator)
		if err != nil {
			return utils.Request{}, fmt.Errorf("error resolving playlist: %w", err)
		}
		title := hlsTitle(pl.SourceURL)
		return utils.Request{
			Title:       title,
			SourceURL:   locator,
			Parts:       pl.Parts(),
			MergeOutput: title + ".mp4",
			Metadata: map[string]string{
				"kind":      "hls",
				"mediaUrl":  pl.MediaURL,
				"bandwidth": fmt.Sprint(pl.Bandwidth),
				"duration":  pl.TotalDuration().String(),
			},
		}, nil
	}

	u, err := url.Parse(locator)
	if err != nil {
		return utils.Request{}, fmt.Errorf("error parsing locator: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "s3":
		if s.s3 == nil {
			return utils.Request{}, fmt.Errorf("%w: s3 is not configured", ErrUnsupportedLocator)
		}
		size, err := s.s3.Stat(ctx, locator)
		if err != nil {
			return utils.Request{}, err
		}
		return single(locator, titleFrom(u.Path, ""), size, "s3"), nil
	case "http", "https":
		if s.http == nil {
			return utils.Request{}, fmt.Errorf("%w: http is not configured", ErrUnsupportedLocator)
		}
		info, err := s.http.Probe(ctx, locator)
		if err != nil {
			return utils.Request{}, err
		}
		req := single(locator, titleFrom(u.Path, info.FileName), info.Size, "http")
		req.EnableSegmented = info.AcceptRanges
		if info.ContentType != "" {
			req.Metadata["contentType"] = info.ContentType
		}
		return req, nil
	default:
		return utils.Request{}, fmt.Errorf("%w: %s", ErrUnsupportedLocator, locator)
	}
}

func single(locator, title string, size int64, kind string) utils.Request {
	return utils.Request{
		Title:           title,
		SourceURL:       locator,
		EstimatedSize:   size,
		EnableSegmented: true,
		Parts: []utils.Part{{
			CID:           utils.HashID(locator),
			Title:         title,
			PartNumber:    1,
			URL:           locator,
			EstimatedSize: size,
		}},
		Metadata: map[string]string{"kind": kind},
	}
}

// hlsTitle names a playlist after its file, or its directory when the file name is generic.
func hlsTitle(link string) string {
	p := link
	if u, err := url.Parse(link); err == nil {
		p = u.Path
	}
	switch strings.TrimSuffix(path.Base(p), path.Ext(p)) {
	case "index", "master", "playlist", "prog_index":
		p = path.Dir(p)
	}
	return titleFrom(p, "")
}

func titleFrom(p, fileName string) string {
	name := fileName
	if name == "" {
		name = path.Base(p)
	}
	name = strings.TrimSuffix(name, path.Ext(name))
	return utils.SanitizeFileName(name)
}

func clone(req utils.Request) utils.Request {
	req.Parts = slices.Clone(req.Parts)
	req.Metadata = maps.Clone(req.Metadata)
	return req
}
