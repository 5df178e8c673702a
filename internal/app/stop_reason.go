package app

// StopReason records why the app is shutting down.
type StopReason string

const (
	StopUnknown StopReason = "unknown"
	StopSignal  StopReason = "signal"
	StopFatal   StopReason = "fatal_error"
)
