package api

import (
	"strings"
	"sync"
	"time"
)

// InFlightLimiter allows at most one payment in flight per Lightning address
// and caps concurrent payments per client IP. Payments to the same address
// are otherwise unordered, so a double submit would pay twice.
type InFlightLimiter struct {
	mu        sync.Mutex
	maxPerIP  int
	byIP      map[string]int
	byAddress map[string]time.Time // address -> start time
}

// NewInFlightLimiter creates a limiter allowing maxPerIP concurrent payments
// per IP. Zero or less disables the IP cap.
func NewInFlightLimiter(maxPerIP int) *InFlightLimiter {
	return &InFlightLimiter{
		maxPerIP:  maxPerIP,
		byIP:      make(map[string]int),
		byAddress: make(map[string]time.Time),
	}
}

// Acquire reserves address for ip. It returns errAddressBusy or
// errTooManyInFlight when the payment must not start.
func (l *InFlightLimiter) Acquire(ip, address string) error {
	key := addressKey(address)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.byAddress[key]; busy {
		return errAddressBusy
	}
	if l.maxPerIP > 0 && l.byIP[ip] >= l.maxPerIP {
		return errTooManyInFlight
	}
	l.byAddress[key] = time.Now()
	l.byIP[ip]++
	return nil
}

// Release frees a reservation made by Acquire.
func (l *InFlightLimiter) Release(ip, address string) {
	key := addressKey(address)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byAddress[key]; !ok {
		return
	}
	delete(l.byAddress, key)
	if n := l.byIP[ip]; n <= 1 {
		delete(l.byIP, ip)
	} else {
		l.byIP[ip] = n - 1
	}
}

// InFlightCount returns the number of payments in flight for an IP.
func (l *InFlightLimiter) InFlightCount(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byIP[ip]
}

// Total returns the number of payments in flight across all IPs.
func (l *InFlightLimiter) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byAddress)
}

// MaxPerIP returns the configured cap.
func (l *InFlightLimiter) MaxPerIP() int {
	return l.maxPerIP
}

// Oldest returns how long the longest running payment has been in flight.
func (l *InFlightLimiter) Oldest() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	var oldest time.Time
	for _, started := range l.byAddress {
		if oldest.IsZero() || started.Before(oldest) {
			oldest = started
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return time.Since(oldest)
}

func addressKey(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
