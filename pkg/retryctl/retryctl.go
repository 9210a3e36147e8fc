// Package retryctl classifies failures and decides whether a run gets
// another attempt.
package retryctl

import (
	"context"
	"errors"
	"net"
	"syscall"

	"github.com/ethpandaops/runoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// TransientError marks an error as worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err so IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &TransientError{Err: err}
}

// IsTransient reports whether an error is worth retrying: explicit
// TransientError wrappers, network timeouts, refused or reset
// connections, and exceeded deadlines. Anything else is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

// Outcome is what happens to a run after a failure.
type Outcome string

// Outcomes.
const (
	OutcomeRetry Outcome = "RETRY"
	OutcomeFail  Outcome = "FAIL"
)

// Controller applies the retry ceiling.
type Controller struct {
	log        logrus.FieldLogger
	maxRetries int
}

// NewController creates a Controller with the given retry ceiling.
func NewController(log logrus.FieldLogger, maxRetries int) *Controller {
	return &Controller{
		log:        log.WithField("component", "retry"),
		maxRetries: maxRetries,
	}
}

// MaxRetries returns the retry ceiling.
func (c *Controller) MaxRetries() int {
	return c.maxRetries
}

// OnFailure decides a failed run's fate: RETRY only while the run has
// attempts left and the error is transient, FAIL otherwise.
func (c *Controller) OnFailure(run *store.Run, err error) Outcome {
	if run.RetryCount >= c.maxRetries {
		c.log.WithFields(logrus.Fields{
			"run":     run.ID,
			"retries": run.RetryCount,
		}).Debug("Retries exhausted")

		return OutcomeFail
	}

	if !IsTransient(err) {
		return OutcomeFail
	}

	return OutcomeRetry
}
