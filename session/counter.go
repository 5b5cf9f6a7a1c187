package session

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	counterHourWindow = time.Hour
	// the minute window is padded to catch requests issued while a
	// previous one was still in flight
	counterMinuteWindow = 62 * time.Second
)

type RequestDetail struct {
	At   time.Time
	Info string
}

// RequestCounter is a rolling log of issued requests plus the set of
// endpoints under throttle. Entries older than an hour are pruned on Add.
type RequestCounter struct {
	mu        sync.Mutex
	elements  []RequestDetail
	throttled map[string]struct{}
}

func NewRequestCounter() *RequestCounter {
	return &RequestCounter{throttled: make(map[string]struct{})}
}

func (self *RequestCounter) Add(at time.Time, info string) {
	if at.IsZero() {
		at = time.Now()
	}
	self.mu.Lock()
	self.elements = append(self.elements, RequestDetail{At: at, Info: info})
	self.mu.Unlock()
	self.Recycle(time.Now().Add(-counterHourWindow))
}

func (self *RequestCounter) Recycle(cutoff time.Time) {
	self.mu.Lock()
	defer self.mu.Unlock()
	kept := self.elements[:0]
	for _, e := range self.elements {
		if e.At.After(cutoff) {
			kept = append(kept, e)
		}
	}
	self.elements = kept
}

func (self *RequestCounter) AddThrottle(endpoint string) {
	if endpoint == "" {
		return
	}
	self.mu.Lock()
	self.throttled[endpoint] = struct{}{}
	self.mu.Unlock()
}

func (self *RequestCounter) IsThrottled(endpoint string) bool {
	self.mu.Lock()
	_, ok := self.throttled[endpoint]
	self.mu.Unlock()
	return ok
}

func (self *RequestCounter) Throttled() []string {
	self.mu.Lock()
	defer self.mu.Unlock()
	out := make([]string, 0, len(self.throttled))
	for e := range self.throttled {
		out = append(out, e)
	}
	return out
}

func (self *RequestCounter) details(window time.Duration) []RequestDetail {
	cutoff := time.Now().Add(-window)
	self.mu.Lock()
	defer self.mu.Unlock()
	out := make([]RequestDetail, 0, len(self.elements))
	for _, e := range self.elements {
		if e.At.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

func (self *RequestCounter) LastMinuteDetails() []RequestDetail {
	return self.details(counterMinuteWindow)
}

func (self *RequestCounter) LastHourDetails() []RequestDetail {
	return self.details(counterHourWindow)
}

func (self *RequestCounter) LastMinute() int { return len(self.LastMinuteDetails()) }
func (self *RequestCounter) LastHour() int   { return len(self.LastHourDetails()) }

// EndpointDetails filters the last-minute log to one endpoint.
func (self *RequestCounter) EndpointDetails(endpoint string) []RequestDetail {
	all := self.LastMinuteDetails()
	out := all[:0]
	for _, e := range all {
		if strings.Contains(e.Info, endpoint) {
			out = append(out, e)
		}
	}
	return out
}

func (self *RequestCounter) String() string {
	return fmt.Sprintf("%d last hour, %d last minute", self.LastHour(), self.LastMinute())
}
