package call

import (
	"time"

	"github.com/clubhouse/callengine/internal/domain"
)

// Metrics records call lifecycle measurements.
type Metrics interface {
	CallStarted(role domain.Role)
	CallEnded(outcome string)
	ReconnectAttempt(full bool)
	QualityChanged(tier string)
	NegotiationDuration(d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) CallStarted(domain.Role)           {}
func (nopMetrics) CallEnded(string)                  {}
func (nopMetrics) ReconnectAttempt(bool)             {}
func (nopMetrics) QualityChanged(string)             {}
func (nopMetrics) NegotiationDuration(time.Duration) {}
