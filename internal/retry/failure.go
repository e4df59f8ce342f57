package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/url"
	"syscall"
)

type Category int

const (
	CategoryUnknown Category = iota
	CategoryIO
	CategoryConnect
	CategoryTimeout
	CategoryDNS
	CategoryHTTPStatus
	CategoryURLExpired
	CategoryCancelled
)

var categoryNames = map[Category]string{
	CategoryUnknown:    "unknown",
	CategoryIO:         "io",
	CategoryConnect:    "connect",
	CategoryTimeout:    "timeout",
	CategoryDNS:        "dns",
	CategoryHTTPStatus: "http-status",
	CategoryURLExpired: "url-expired",
	CategoryCancelled:  "cancelled",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Parent is the broader category used when no policy is registered for c.
func (c Category) Parent() (Category, bool) {
	switch c {
	case CategoryConnect, CategoryTimeout, CategoryDNS:
		return CategoryIO, true
	default:
		return CategoryUnknown, false
	}
}

// Failure is a classified transfer error.
type Failure struct {
	Category   Category
	StatusCode int
	Op         string
	Err        error
}

func (f *Failure) Error() string {
	msg := f.Category.String()
	if f.Op != "" {
		msg = f.Op + ": " + msg
	}
	if f.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, f.StatusCode)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func HTTPStatusFailure(op string, code int) *Failure {
	cat := CategoryHTTPStatus
	if code == 410 {
		cat = CategoryURLExpired
	}
	return &Failure{Category: cat, StatusCode: code, Op: op, Err: fmt.Errorf("unexpected status code: %d", code)}
}

// Wrap classifies err and returns it as a *Failure. Nil stays nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return err
	}
	return &Failure{Category: Classify(err), Op: op, Err: err}
}

func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Category
	}
	if errors.Is(err, context.Canceled) {
		return CategoryCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return CategoryTimeout
		}
		return CategoryDNS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return CategoryConnect
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return CategoryConnect
		}
		return CategoryIO
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return CategoryIO
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return CategoryIO
	}
	return CategoryUnknown
}

func StatusCode(err error) int {
	var f *Failure
	if errors.As(err, &f) {
		return f.StatusCode
	}
	return 0
}
