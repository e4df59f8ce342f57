package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/tanq16/vidq/internal/retry"
	"github.com/tanq16/vidq/internal/utils"
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

type rangeLog struct {
	mu     sync.Mutex
	ranges []string
}

func (r *rangeLog) add(v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ranges = append(r.ranges, v)
}

func (r *rangeLog) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ranges...)
}

func contentServer(t *testing.T, data []byte, log *rangeLog) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if log != nil && r.Method == http.MethodGet {
			log.add(r.Header.Get("Range"))
		}
		http.ServeContent(w, r, "video.mp4", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestHTTP() *HTTP {
	return NewHTTP(utils.NewHTTPClient(utils.HTTPClientConfig{}))
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return got
}

func TestHTTPSimpleDownload(t *testing.T) {
	data := payload(4096)
	srv := contentServer(t, data, nil)
	out := filepath.Join(t.TempDir(), "video.mp4")

	var last, total int64
	err := newTestHTTP().Download(context.Background(), utils.TransferJob{
		URL:         srv.URL,
		OutputPath:  out,
		Connections: 1,
		Progress:    func(d, tot int64) { last, total = d, tot },
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(readFile(t, out), data) {
		t.Error("downloaded content differs")
	}
	if last != int64(len(data)) || total != int64(len(data)) {
		t.Errorf("progress = %d/%d, want %d/%d", last, total, len(data), len(data))
	}
	if _, err := os.Stat(utils.TempPath(out)); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestHTTPResumesFromTempFile(t *testing.T) {
	data := payload(1000)
	log := &rangeLog{}
	srv := contentServer(t, data, log)
	out := filepath.Join(t.TempDir(), "video.mp4")
	if err := os.MkdirAll(filepath.Dir(utils.TempPath(out)), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(utils.TempPath(out), data[:300], 0644); err != nil {
		t.Fatal(err)
	}

	var last int64
	err := newTestHTTP().Download(context.Background(), utils.TransferJob{
		URL:        srv.URL,
		OutputPath: out,
		Progress:   func(d, _ int64) { last = d },
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(readFile(t, out), data) {
		t.Error("resumed content differs")
	}
	if got := log.all(); len(got) != 1 || got[0] != "bytes=300-" {
		t.Errorf("ranges = %v, want [bytes=300-]", got)
	}
	if last != int64(len(data)) {
		t.Errorf("progress = %d, want %d", last, len(data))
	}
}

func TestHTTPChunkedDownload(t *testing.T) {
	data := payload(1000)
	log := &rangeLog{}
	srv := contentServer(t, data, log)
	dir := t.TempDir()
	out := filepath.Join(dir, "video.mp4")

	h := newTestHTTP()
	h.minChunkSize = 100
	var mu sync.Mutex
	var last int64
	err := h.Download(context.Background(), utils.TransferJob{
		URL:         srv.URL,
		OutputPath:  out,
		Connections: 4,
		Progress: func(d, _ int64) {
			mu.Lock()
			last = max(last, d)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(readFile(t, out), data) {
		t.Error("assembled content differs")
	}
	if got := log.all(); len(got) != 4 {
		t.Errorf("got %d ranged requests, want 4: %v", len(got), got)
	}
	entries, err := os.ReadDir(filepath.Join(dir, utils.TempDirName))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("chunk files left behind: %d", len(entries))
	}
	if last != int64(len(data)) {
		t.Errorf("progress = %d, want %d", last, len(data))
	}
}

func TestHTTPSmallBodyStaysSingleStream(t *testing.T) {
	data := payload(500)
	log := &rangeLog{}
	srv := contentServer(t, data, log)
	out := filepath.Join(t.TempDir(), "video.mp4")

	if err := newTestHTTP().Download(context.Background(), utils.TransferJob{URL: srv.URL, OutputPath: out, Connections: 8}); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if got := log.all(); len(got) != 1 || got[0] != "" {
		t.Errorf("ranges = %v, want a single plain GET", got)
	}
}

func TestHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		category retry.Category
	}{
		{"not found", http.StatusNotFound, retry.CategoryHTTPStatus},
		{"unavailable", http.StatusServiceUnavailable, retry.CategoryHTTPStatus},
		{"expired", http.StatusGone, retry.CategoryURLExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()
			err := newTestHTTP().Download(context.Background(), utils.TransferJob{
				URL:        srv.URL,
				OutputPath: filepath.Join(t.TempDir(), "x.mp4"),
			})
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := retry.StatusCode(err); got != tt.code {
				t.Errorf("status = %d, want %d", got, tt.code)
			}
			if got := retry.Classify(err); got != tt.category {
				t.Errorf("category = %v, want %v", got, tt.category)
			}
		})
	}
}

func TestHTTPHeadNotAllowedFallsBack(t *testing.T) {
	data := payload(200)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Write(data)
	}))
	defer srv.Close()
	out := filepath.Join(t.TempDir(), "video.mp4")

	if err := newTestHTTP().Download(context.Background(), utils.TransferJob{URL: srv.URL, OutputPath: out, Connections: 4}); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(readFile(t, out), data) {
		t.Error("content differs")
	}
}

func TestHTTPCancelled(t *testing.T) {
	srv := contentServer(t, payload(100), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := newTestHTTP().Download(ctx, utils.TransferJob{URL: srv.URL, OutputPath: filepath.Join(t.TempDir(), "x.mp4")})
	if retry.Classify(err) != retry.CategoryCancelled {
		t.Errorf("err = %v, want a cancelled failure", err)
	}
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="my video.mp4"`)
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", "12345")
	}))
	defer srv.Close()

	info, err := newTestHTTP().Probe(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	want := RemoteInfo{Size: 12345, AcceptRanges: true, FileName: "my_video.mp4", ContentType: "video/mp4"}
	if info != want {
		t.Errorf("info = %+v, want %+v", info, want)
	}
}

func TestChunkID(t *testing.T) {
	tests := []struct {
		path string
		want int
	}{
		{"/tmp/.vidq-temp/a.mp4.part0", 0},
		{"/tmp/.vidq-temp/a.mp4.part12", 12},
		{"/tmp/.vidq-temp/a.mp4.part", -1},
		{"/tmp/a.mp4", -1},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := chunkID(tt.path); got != tt.want {
				t.Errorf("chunkID = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	data := payload(64)
	srv := contentServer(t, data, nil)
	r := Default(newTestHTTP(), nil)

	out := filepath.Join(t.TempDir(), "video.mp4")
	if err := r.Download(context.Background(), utils.TransferJob{URL: srv.URL, OutputPath: out}); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if _, err := r.For("ftp://example.com/file"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("ftp err = %v, want ErrUnsupportedScheme", err)
	}
	if _, err := r.For("s3://bucket/key"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("s3 without a transport err = %v, want ErrUnsupportedScheme", err)
	}
}

func TestParseS3URL(t *testing.T) {
	tests := []struct {
		raw    string
		bucket string
		key    string
		ok     bool
	}{
		{"s3://media/videos/a.mp4", "media", "videos/a.mp4", true},
		{"s3://media/a.mp4", "media", "a.mp4", true},
		{"s3://media/folder/", "", "", false},
		{"s3://media", "", "", false},
		{"https://media/a.mp4", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			bucket, key, err := parseS3URL(tt.raw)
			if tt.ok {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if bucket != tt.bucket || key != tt.key {
					t.Errorf("got %s/%s, want %s/%s", bucket, key, tt.bucket, tt.key)
				}
				return
			}
			if !errors.Is(err, ErrInvalidS3URL) {
				t.Errorf("err = %v, want ErrInvalidS3URL", err)
			}
		})
	}
}

type fakeS3 struct {
	data    []byte
	headErr error
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(f.data)))}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	start, end := int64(0), int64(len(f.data)-1)
	if r := aws.ToString(in.Range); r != "" {
		if _, err := fmt.Sscanf(r, "bytes=%d-%d", &start, &end); err != nil {
			return nil, err
		}
		end = min(end, int64(len(f.data)-1))
	}
	body := f.data[start : end+1]
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: aws.Int64(int64(len(body))),
		ContentRange:  aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end, len(f.data))),
	}, nil
}

func TestS3Download(t *testing.T) {
	data := payload(3000)
	s := newS3WithClient(&fakeS3{data: data})
	out := filepath.Join(t.TempDir(), "clip.mp4")

	var last int64
	err := s.Download(context.Background(), utils.TransferJob{
		URL:         "s3://media/clip.mp4",
		OutputPath:  out,
		Connections: 2,
		Progress:    func(d, _ int64) { last = d },
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(readFile(t, out), data) {
		t.Error("content differs")
	}
	if last != int64(len(data)) {
		t.Errorf("progress = %d, want %d", last, len(data))
	}
}

func TestS3StatusMapping(t *testing.T) {
	forbidden := &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusForbidden}},
			Err:      errors.New("access denied"),
		},
	}
	s := newS3WithClient(&fakeS3{headErr: forbidden})
	_, err := s.Stat(context.Background(), "s3://media/clip.mp4")
	if got := retry.StatusCode(err); got != http.StatusForbidden {
		t.Errorf("status = %d, want 403 (err %v)", got, err)
	}
	if !strings.Contains(err.Error(), "s3 head") {
		t.Errorf("err = %v, want the op name", err)
	}
}
