package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/tanq16/vidq/internal/config"
)

func newTestManager() (*Manager, *[]time.Duration) {
	m := NewManager(config.Default().Retry)
	var slept []time.Duration
	m.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return m, &slept
}

func TestThreeAttemptPolicyExhausts(t *testing.T) {
	m, slept := newTestManager()
	calls := 0
	err := m.Execute(context.Background(), "connect", func(ctx context.Context) error {
		calls++
		return &Failure{Category: CategoryConnect, Err: syscall.ECONNREFUSED}
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("err = %v, want ErrRetriesExhausted", err)
	}
	var f *Failure
	if !errors.As(err, &f) || f.Category != CategoryConnect {
		t.Errorf("exhausted error does not wrap the last failure: %v", err)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("slept %v, want %v", *slept, want)
	}
	for i := range want {
		if (*slept)[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, (*slept)[i], want[i])
		}
	}
}

func TestSucceedsOnFifthCall(t *testing.T) {
	m, _ := newTestManager()
	m.Register(CategoryUnknown, Fixed{Attempts: 5})
	calls := 0
	err := m.Execute(context.Background(), "flaky", func(ctx context.Context) error {
		calls++
		if calls < 5 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 5 {
		t.Errorf("calls = %d, want 5", calls)
	}
}

func TestGlobalCeiling(t *testing.T) {
	m, _ := newTestManager()
	m.Register(CategoryUnknown, Immediate{Attempts: 100})
	calls := 0
	err := m.Execute(context.Background(), "always", func(ctx context.Context) error {
		calls++
		return errors.New("nope")
	})
	if calls != 5 {
		t.Errorf("calls = %d, want global ceiling 5", calls)
	}
	var ex *ExhaustedError
	if !errors.As(err, &ex) || ex.Attempts != 5 {
		t.Errorf("err = %v", err)
	}
}

func TestHTTPStatusPolicy(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		wantCalls int
	}{
		{"server error retried up to three", 503, 3},
		{"client error never retried", 404, 1},
		{"forbidden never retried", 403, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, slept := newTestManager()
			calls := 0
			err := m.Execute(context.Background(), "http", func(ctx context.Context) error {
				calls++
				return HTTPStatusFailure("GET", tt.code)
			})
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if !errors.Is(err, ErrRetriesExhausted) {
				t.Errorf("err = %v", err)
			}
			for i, d := range *slept {
				if d != time.Second*time.Duration(i+1) {
					t.Errorf("delay[%d] = %v", i, d)
				}
			}
		})
	}
}

func TestDefaultPolicyFallback(t *testing.T) {
	m, slept := newTestManager()
	calls := 0
	m.Execute(context.Background(), "odd", func(ctx context.Context) error {
		calls++
		return errors.New("unclassified")
	})
	if calls != 2 {
		t.Errorf("calls = %d, want default 2", calls)
	}
	if len(*slept) != 1 || (*slept)[0] != time.Second {
		t.Errorf("slept %v, want [1s]", *slept)
	}
}

func TestPolicyForWalksParents(t *testing.T) {
	m, _ := newTestManager()
	delete(m.policies, CategoryDNS)
	if _, ok := m.PolicyFor(CategoryDNS).(Linear); !ok {
		t.Errorf("dns without a policy should resolve to the io policy, got %T", m.PolicyFor(CategoryDNS))
	}
	if _, ok := m.PolicyFor(CategoryCancelled).(Fixed); !ok {
		t.Errorf("category without parent should use the fallback")
	}
}

func TestCancellationNotRetried(t *testing.T) {
	m, _ := newTestManager()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := m.Execute(ctx, "cancel", func(ctx context.Context) error {
		calls++
		cancel()
		return ctx.Err()
	})
	if calls != 1 {
		t.Errorf("calls = %d", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
}

func TestGoDeliversResult(t *testing.T) {
	m, _ := newTestManager()
	ch := m.Go(context.Background(), "async", func(ctx context.Context) error { return nil })
	select {
	case err := <-ch:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("no result")
	}
}

func TestDelays(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		attempt int
		want    time.Duration
	}{
		{"exponential first", Exponential{Base: time.Second, Multiplier: 2}, 0, time.Second},
		{"exponential third", Exponential{Base: time.Second, Multiplier: 2}, 2, 4 * time.Second},
		{"linear", Linear{Base: 2 * time.Second}, 1, 4 * time.Second},
		{"immediate", Immediate{}, 3, 0},
		{"http status", HTTPStatus{}, 1, 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"failure passthrough", fmt.Errorf("wrapped: %w", HTTPStatusFailure("GET", 500)), CategoryHTTPStatus},
		{"gone means expired", HTTPStatusFailure("GET", 410), CategoryURLExpired},
		{"dns", &net.DNSError{Err: "no such host", Name: "cdn.example"}, CategoryDNS},
		{"refused", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, CategoryConnect},
		{"deadline", context.DeadlineExceeded, CategoryTimeout},
		{"cancelled", context.Canceled, CategoryCancelled},
		{"short read", io.ErrUnexpectedEOF, CategoryIO},
		{"path", &os.PathError{Op: "open", Path: "/x", Err: os.ErrPermission}, CategoryIO},
		{"other", errors.New("mystery"), CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}
