package rules

// Default thresholds.
const (
	DefaultMinSOLBuffer        = 0.01
	DefaultFeeSpikeMultiplier  = 3.0
	DefaultRPCErrorRateMax     = 0.03
	DefaultRPCP95MsMax         = 1200
	DefaultTrendRatioThreshold = 3.0
)

// Thresholds configures the standard engine.
type Thresholds struct {
	MinSOLBuffer        float64
	FeeSpikeMultiplier  float64
	RPCErrorRateMax     float64
	RPCP95MsMax         float64
	TrendRatioThreshold float64
	ProgramBlacklist    []string
}

// DefaultThresholds returns the stock thresholds with an empty blacklist.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSOLBuffer:        DefaultMinSOLBuffer,
		FeeSpikeMultiplier:  DefaultFeeSpikeMultiplier,
		RPCErrorRateMax:     DefaultRPCErrorRateMax,
		RPCP95MsMax:         DefaultRPCP95MsMax,
		TrendRatioThreshold: DefaultTrendRatioThreshold,
	}
}
