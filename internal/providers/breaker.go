package providers

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned while a provider's breaker rejects calls.
var ErrCircuitOpen = errors.New("provider: circuit open")

// NewBreaker returns the circuit breaker an adapter wraps its calls in. Only
// transient failures count against it.
func NewBreaker(name string, log *logrus.Entry) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if log != nil {
				log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
			}
		},
	})
}

// Guard runs fn through cb. A rejected call surfaces as a transient Error.
func Guard(cb *gobreaker.CircuitBreaker, op string, fn func() (interface{}, error)) (interface{}, error) {
	res, err := cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &Error{Kind: Transient, Op: op, Err: errors.Join(ErrCircuitOpen, err)}
	}
	return res, err
}
