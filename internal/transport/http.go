package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tanq16/vidq/internal/retry"
	"github.com/tanq16/vidq/internal/utils"
	"golang.org/x/sync/errgroup"
)

var ErrRangeNotSupported = errors.New("server does not support range requests")

// RemoteInfo is what a HEAD request tells us about a source.
type RemoteInfo struct {
	Size         int64
	AcceptRanges bool
	FileName     string
	ContentType  string
}

// HTTP downloads parts over plain HTTP(S), splitting large bodies into ranged chunks.
type HTTP struct {
	client       *utils.HTTPClient
	minChunkSize int64
	log          zerolog.Logger
}

func NewHTTP(client *utils.HTTPClient) *HTTP {
	return &HTTP{
		client:       client,
		minChunkSize: 2 * utils.DefaultBufferSize,
		log:          utils.GetLogger("http"),
	}
}

type counter struct {
	mu    sync.Mutex
	n     int64
	total int64
	fn    utils.ProgressFunc
}

func (c *counter) add(d int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n += d
	if c.fn != nil {
		c.fn(c.n, c.total)
	}
}

func (c *counter) value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (h *HTTP) Probe(ctx context.Context, link string) (RemoteInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, link, nil)
	if err != nil {
		return RemoteInfo{}, fmt.Errorf("error creating HEAD request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return RemoteInfo{}, retry.Wrap("http head", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return RemoteInfo{}, retry.HTTPStatusFailure("http head", resp.StatusCode)
	}
	info := RemoteInfo{
		AcceptRanges: resp.Header.Get("Accept-Ranges") == "bytes",
		FileName:     fileNameFrom(resp.Header.Get("Content-Disposition")),
		ContentType:  resp.Header.Get("Content-Type"),
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if size, err := strconv.ParseInt(cl, 10, 64); err == nil && size > 0 {
			info.Size = size
		}
	}
	return info, nil
}

func fileNameFrom(contentDisposition string) string {
	if contentDisposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentDisposition)
	if err != nil {
		return ""
	}
	if fn := params["filename"]; fn != "" {
		return utils.SanitizeFileName(fn)
	}
	if fn := params["filename*"]; strings.HasPrefix(fn, "UTF-8''") {
		unescaped, _ := url.PathUnescape(strings.TrimPrefix(fn, "UTF-8''"))
		return utils.SanitizeFileName(unescaped)
	}
	return ""
}

func (h *HTTP) Download(ctx context.Context, job utils.TransferJob) error {
	info, err := h.Probe(ctx, job.URL)
	if err != nil {
		code := retry.StatusCode(err)
		if code != http.StatusMethodNotAllowed && code != http.StatusNotImplemented {
			return err
		}
		h.log.Debug().Str("url", job.URL).Msg("HEAD not allowed, falling back to a single stream")
		info = RemoteInfo{}
	}
	tempDir := filepath.Join(filepath.Dir(job.OutputPath), utils.TempDirName)
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return retry.Wrap("create temp dir", err)
	}
	progress := &counter{total: info.Size, fn: job.Progress}
	conns := max(job.Connections, 1)
	if conns > 1 && info.AcceptRanges && info.Size/int64(conns) >= h.minChunkSize {
		h.log.Debug().Str("url", job.URL).Int("connections", conns).Int64("size", info.Size).Msg("chunked download")
		return h.chunked(ctx, job, info.Size, conns, progress)
	}
	return h.simple(ctx, job, progress)
}

// simple streams the body into a temp file, resuming from whatever a previous attempt left.
func (h *HTTP) simple(ctx context.Context, job utils.TransferJob, progress *counter) error {
	tempPath := utils.TempPath(job.OutputPath)
	var offset int64
	flag := os.O_CREATE | os.O_WRONLY
	if fi, err := os.Stat(tempPath); err == nil && fi.Size() > 0 {
		offset = fi.Size()
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	out, err := os.OpenFile(tempPath, flag, 0644)
	if err != nil {
		return retry.Wrap("open temp file", err)
	}
	defer out.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return fmt.Errorf("error creating GET request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	req.Header.Set("Connection", "keep-alive")
	resp, err := h.client.Do(req)
	if err != nil {
		return retry.Wrap("http get", err)
	}
	defer resp.Body.Close()

	switch {
	case offset > 0 && resp.StatusCode == http.StatusPartialContent:
		h.log.Debug().Str("url", job.URL).Int64("offset", offset).Msg("resuming download")
		progress.add(offset)
	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			h.log.Warn().Str("url", job.URL).Msg("server ignored range, restarting download")
			if err := out.Truncate(0); err != nil {
				return retry.Wrap("truncate temp file", err)
			}
			if _, err := out.Seek(0, io.SeekStart); err != nil {
				return retry.Wrap("seek temp file", err)
			}
		}
	default:
		return retry.HTTPStatusFailure("http get", resp.StatusCode)
	}
	if progress.total == 0 && resp.ContentLength > 0 {
		progress.total = resp.ContentLength + progress.value()
	}
	if _, err := h.copy(ctx, out, resp.Body, progress); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return retry.Wrap("sync temp file", err)
	}
	out.Close()
	if err := os.Rename(tempPath, job.OutputPath); err != nil {
		return retry.Wrap("finalize output", err)
	}
	return nil
}

func (h *HTTP) copy(ctx context.Context, dst io.Writer, src io.Reader, progress *counter) (int64, error) {
	buf := make([]byte, 256*1024)
	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if err := h.client.WaitN(ctx, n); err != nil {
				return written, err
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, retry.Wrap("write", err)
			}
			written += int64(n)
			progress.add(int64(n))
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, retry.Wrap("read body", readErr)
		}
	}
}

type chunk struct {
	index int
	start int64
	end   int64
	path  string
}

func (c chunk) size() int64 { return c.end - c.start + 1 }

func (h *HTTP) chunked(ctx context.Context, job utils.TransferJob, size int64, conns int, progress *counter) error {
	base := utils.TempPath(job.OutputPath)
	chunkSize := size / int64(conns)
	chunks := make([]chunk, conns)
	for i := range chunks {
		start := int64(i) * chunkSize
		end := start + chunkSize - 1
		if i == conns-1 {
			end = size - 1
		}
		chunks[i] = chunk{index: i, start: start, end: end, path: fmt.Sprintf("%s%d", base, i)}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range chunks {
		g.Go(func() error {
			return h.downloadChunk(gctx, job.URL, c, progress)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return assemble(job.OutputPath, chunks, size)
}

func (h *HTTP) downloadChunk(ctx context.Context, link string, c chunk, progress *counter) error {
	var offset int64
	if fi, err := os.Stat(c.path); err == nil {
		switch {
		case fi.Size() == c.size():
			progress.add(fi.Size())
			return nil
		case fi.Size() < c.size():
			offset = fi.Size()
		default:
			os.Remove(c.path)
		}
	}
	flag := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if offset > 0 {
		flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	out, err := os.OpenFile(c.path, flag, 0644)
	if err != nil {
		return retry.Wrap("open chunk file", err)
	}
	defer out.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", c.start+offset, c.end))
	req.Header.Set("Connection", "keep-alive")
	resp, err := h.client.Do(req)
	if err != nil {
		return retry.Wrap("http get chunk", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		if resp.StatusCode == http.StatusOK {
			return retry.Wrap("http get chunk", ErrRangeNotSupported)
		}
		return retry.HTTPStatusFailure("http get chunk", resp.StatusCode)
	}
	if offset > 0 {
		progress.add(offset)
	}
	got, err := h.copy(ctx, out, resp.Body, progress)
	if err != nil {
		return err
	}
	if got < c.size()-offset {
		return retry.Wrap("http get chunk", fmt.Errorf("chunk %d short read: %w", c.index, io.ErrUnexpectedEOF))
	}
	return nil
}

// assemble concatenates chunk files in chunk-id order into outputPath.
func assemble(outputPath string, chunks []chunk, size int64) error {
	paths := make([]string, len(chunks))
	for i, c := range chunks {
		paths[i] = c.path
	}
	slices.SortFunc(paths, func(a, b string) int { return chunkID(a) - chunkID(b) })

	tempPath := utils.TempPath(outputPath)
	dst, err := os.Create(tempPath)
	if err != nil {
		return retry.Wrap("create output", err)
	}
	var written int64
	for _, p := range paths {
		src, err := os.Open(p)
		if err != nil {
			dst.Close()
			return retry.Wrap("open chunk", err)
		}
		n, err := io.Copy(dst, src)
		src.Close()
		if err != nil {
			dst.Close()
			return retry.Wrap("copy chunk", err)
		}
		written += n
	}
	dst.Close()
	if written != size {
		os.Remove(tempPath)
		for _, p := range paths {
			os.Remove(p)
		}
		return fmt.Errorf("size mismatch: expected %d, got %d", size, written)
	}
	for _, p := range paths {
		os.Remove(p)
	}
	return retry.Wrap("finalize output", os.Rename(tempPath, outputPath))
}

func chunkID(path string) int {
	m := utils.ChunkIDRegex.FindStringSubmatch(path)
	if len(m) < 2 {
		return -1
	}
	id, _ := strconv.Atoi(m[1])
	return id
}
