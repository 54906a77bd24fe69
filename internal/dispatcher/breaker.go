package dispatcher

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/buildbeaver/queue-runner/internal/models"
)

// pressureCooldown is how long a machine reporting saturation (high load,
// PSI, or low disk/store headroom) is excluded from matching once its
// breaker trips.
const pressureCooldown = 30 * time.Second

// PressureMonitor holds one circuit breaker per machine, tripped by the
// builder-session layer's periodic pressure readings (load average, PSI,
// build-dir/store free space) rather than by request failures - the usual
// gobreaker trigger - so ReportPressure/ReportHealthy stand in for the
// success/failure calls a breaker normally wraps around a request.
type PressureMonitor struct {
	mu       sync.Mutex
	breakers map[models.MachineID]*gobreaker.CircuitBreaker
}

func NewPressureMonitor() *PressureMonitor {
	return &PressureMonitor{breakers: make(map[models.MachineID]*gobreaker.CircuitBreaker)}
}

func (p *PressureMonitor) breaker(id models.MachineID) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.breakers[id]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(id),
		MaxRequests: 1,
		Interval:    0,
		Timeout:     pressureCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	})
	p.breakers[id] = b
	return b
}

// Allow reports whether a machine may currently be matched against. A
// machine whose breaker is open (tripped by a pressure report) is excluded;
// closed and half-open breakers are both allowed.
func (p *PressureMonitor) Allow(id models.MachineID) bool {
	b := p.breaker(id)
	return b.State() == gobreaker.StateClosed || b.State() == gobreaker.StateHalfOpen
}

// ReportPressure records that a machine is saturated, tripping its breaker
// once consecutive pressure reports cross the ReadyToTrip threshold.
func (p *PressureMonitor) ReportPressure(id models.MachineID) {
	b := p.breaker(id)
	_, _ = b.Execute(func() (interface{}, error) { return nil, errPressure })
}

// ReportHealthy records a normal reading, resetting the breaker's failure streak.
func (p *PressureMonitor) ReportHealthy(id models.MachineID) {
	b := p.breaker(id)
	_, _ = b.Execute(func() (interface{}, error) { return nil, nil })
}

var errPressure = pressureError("machine under pressure")

type pressureError string

func (e pressureError) Error() string { return string(e) }
