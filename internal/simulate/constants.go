package simulate

// Labels used by the simulated workforce.
const (
	expectedLabel = "positive"
	wrongLabel    = "negative"
	taskType      = "sentiment"
)

// Runner configuration constants.
const (
	PercentageMultiplier = 100
	logFilePermission    = 0600
)
