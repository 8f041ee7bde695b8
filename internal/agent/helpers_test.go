package agent

import "time"

var testNow = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
