package exchange

import (
	"context"
	"errors"
	"fmt"

	"arbiter/internal/model"
)

// VenueAdapter defines the standard interface for all venue adapters.
// Quote must return within the deadline carried by ctx and never panic into the caller.
type VenueAdapter interface {
	Name() string
	Quote(ctx context.Context, symbol string) (model.Quote, error)
	Close() error
}

var (
	ErrVenueUnavailable  = errors.New("venue unavailable")
	ErrUnsupportedSymbol = errors.New("venue: unsupported symbol")
)

// ErrorKind classifies why a quote call failed.
type ErrorKind uint8

const (
	KindTimeout ErrorKind = iota
	KindTransport
	KindProtocol
	KindUnsupported
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// VenueError is the typed failure every adapter returns instead of panicking.
type VenueError struct {
	Venue  string
	Symbol string
	Kind   ErrorKind
	Err    error
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue %s %s: %s: %v", e.Venue, e.Symbol, e.Kind, e.Err)
}

func (e *VenueError) Unwrap() error { return e.Err }

// Is matches ErrVenueUnavailable for every kind that counts against venue health.
func (e *VenueError) Is(target error) bool {
	switch target {
	case ErrVenueUnavailable:
		return e.Kind != KindUnsupported
	case ErrUnsupportedSymbol:
		return e.Kind == KindUnsupported
	}
	return false
}

// classify turns an arbitrary call failure into a VenueError.
func classify(ctx context.Context, venue, symbol string, kind ErrorKind, err error) *VenueError {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &VenueError{Venue: venue, Symbol: symbol, Kind: kind, Err: err}
}
