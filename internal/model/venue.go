package model

import "time"

// VenueHealth is the aggregator's view of a venue's reachability.
type VenueHealth uint8

const (
	VenueOK VenueHealth = iota
	VenueDegraded
	VenueUnreachable
)

func (h VenueHealth) String() string {
	switch h {
	case VenueOK:
		return "ok"
	case VenueDegraded:
		return "degraded"
	case VenueUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// VenueHandle describes one venue adapter as tracked by the aggregator.
type VenueHandle struct {
	Name      string
	Timeout   time.Duration
	Health    VenueHealth
	Misses    int
	LastProbe time.Time
}
