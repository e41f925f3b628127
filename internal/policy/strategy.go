package policy

// Strategy is how a request is answered
type Strategy int

const (
	// network, then any cached copy of the exact request
	StrategyNetworkFirst Strategy = iota
	// network, synthetic 503 when unreachable, cache never touched
	StrategyNetworkOnly
	// network, then the exact cached copy, then the cached fallback document
	StrategyNetworkFirstWithFallback
	// static generation, then network with a background populate
	StrategyCacheFirst
)

func (s Strategy) String() string {
	switch s {
	case StrategyNetworkOnly:
		return "network-only"
	case StrategyNetworkFirstWithFallback:
		return "network-first-with-fallback"
	case StrategyCacheFirst:
		return "cache-first-with-populate"
	default:
		return "network-first"
	}
}

// StrategyFor returns the strategy used for a class
func StrategyFor(c Class) Strategy {
	switch c {
	case ClassAPI:
		return StrategyNetworkOnly
	case ClassNavigation:
		return StrategyNetworkFirstWithFallback
	case ClassStaticAsset:
		return StrategyCacheFirst
	default:
		return StrategyNetworkFirst
	}
}
