package retry

import (
	"math"
	"time"
)

// Policy decides whether a failed attempt is retried and how long to wait first.
// attempt is zero based; Attempts counts total invocations.
type Policy interface {
	ShouldRetry(attempt int, err error) bool
	Delay(attempt int) time.Duration
	Name() string
}

type Exponential struct {
	Attempts   int
	Base       time.Duration
	Multiplier float64
}

func (p Exponential) ShouldRetry(attempt int, _ error) bool { return attempt+1 < p.Attempts }
func (p Exponential) Delay(attempt int) time.Duration {
	return time.Duration(float64(p.Base) * math.Pow(p.Multiplier, float64(attempt)))
}
func (p Exponential) Name() string { return "exponential" }

type Linear struct {
	Attempts int
	Base     time.Duration
}

func (p Linear) ShouldRetry(attempt int, _ error) bool { return attempt+1 < p.Attempts }
func (p Linear) Delay(attempt int) time.Duration       { return p.Base * time.Duration(attempt+1) }
func (p Linear) Name() string                          { return "linear" }

type Immediate struct {
	Attempts int
}

func (p Immediate) ShouldRetry(attempt int, _ error) bool { return attempt+1 < p.Attempts }
func (p Immediate) Delay(int) time.Duration               { return 0 }
func (p Immediate) Name() string                          { return "immediate" }

type Fixed struct {
	Attempts int
	Wait     time.Duration
}

func (p Fixed) ShouldRetry(attempt int, _ error) bool { return attempt+1 < p.Attempts }
func (p Fixed) Delay(int) time.Duration               { return p.Wait }
func (p Fixed) Name() string                          { return "fixed" }

// HTTPStatus retries server errors only, up to three invocations.
type HTTPStatus struct{}

const httpStatusAttempts = 3

func (HTTPStatus) ShouldRetry(attempt int, err error) bool {
	code := StatusCode(err)
	if code < 500 || code > 599 {
		return false
	}
	return attempt+1 < httpStatusAttempts
}
func (HTTPStatus) Delay(attempt int) time.Duration { return time.Second * time.Duration(attempt+1) }
func (HTTPStatus) Name() string                    { return "http-status" }
