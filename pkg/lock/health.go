package lock

import (
	"strings"
	"time"

	"github.com/nimburion/racesync/pkg/health"
)

const defaultHealthCheckName = "lock-store"

// NewHealthChecker creates a standard health checker for the coordinator's document store.
func NewHealthChecker(name string, coordinator *Coordinator, timeout time.Duration) health.Checker {
	checkName := strings.TrimSpace(name)
	if checkName == "" {
		checkName = defaultHealthCheckName
	}
	return health.NewAdapterChecker(checkName, coordinator, timeout)
}
