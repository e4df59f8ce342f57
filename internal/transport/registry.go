package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/tanq16/vidq/internal/utils"
)

var ErrUnsupportedScheme = errors.New("unsupported url scheme")

// Registry routes a transfer to the transport registered for its URL scheme.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]utils.Transport
}

func NewRegistry() *Registry {
	return &Registry{transports: make(map[string]utils.Transport)}
}

// Default wires HTTP(S) and S3.
func Default(httpT *HTTP, s3T *S3) *Registry {
	r := NewRegistry()
	r.Register("http", httpT)
	r.Register("https", httpT)
	if s3T != nil {
		r.Register("s3", s3T)
	}
	return r
}

func (r *Registry) Register(scheme string, t utils.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[strings.ToLower(scheme)] = t
}

func (r *Registry) For(link string) (utils.Transport, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, fmt.Errorf("error parsing url: %w", err)
	}
	r.mu.RLock()
	t, ok := r.transports[strings.ToLower(u.Scheme)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return t, nil
}

func (r *Registry) Download(ctx context.Context, job utils.TransferJob) error {
	t, err := r.For(job.URL)
	if err != nil {
		return err
	}
	return t.Download(ctx, job)
}
