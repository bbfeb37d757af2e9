package model

// Strategy is the closed set of opportunity evaluators.
type Strategy uint8

const (
	StrategySpotCrossVenue Strategy = iota
	strategyCount
)

// Strategies lists every strategy in dispatch order.
func Strategies() []Strategy {
	out := make([]Strategy, 0, strategyCount)
	for s := Strategy(0); s < strategyCount; s++ {
		out = append(out, s)
	}
	return out
}

func (s Strategy) Valid() bool { return s < strategyCount }

func (s Strategy) String() string {
	switch s {
	case StrategySpotCrossVenue:
		return "spot_arb"
	default:
		return "unknown"
	}
}

// IDPrefix is the tag used in opportunity ids.
func (s Strategy) IDPrefix() string {
	switch s {
	case StrategySpotCrossVenue:
		return "SPOT"
	default:
		return "UNKNOWN"
	}
}

// ParseStrategy maps a configured strategy tag to its variant.
func ParseStrategy(tag string) (Strategy, bool) {
	for _, s := range Strategies() {
		if s.String() == tag {
			return s, true
		}
	}
	return 0, false
}
