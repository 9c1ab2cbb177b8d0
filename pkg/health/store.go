package health

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/brook/internal/catalog"
)

// StoreChecker confirms the on-disk catalog is still readable, the
// same signal pkg/api/health.go's readyHandler used a basic read
// operation against the manager's store for, generalized from "can we
// list services" to "can we list databases".
type StoreChecker struct {
	Catalog *catalog.Catalog
}

// NewStoreChecker builds a StoreChecker over an already-open catalog.
func NewStoreChecker(cat *catalog.Catalog) *StoreChecker {
	return &StoreChecker{Catalog: cat}
}

func (s *StoreChecker) Check(ctx context.Context) Result {
	start := time.Now()
	records, err := s.Catalog.ListDatabases()
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("catalog unreadable: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	return Result{Healthy: true, Message: fmt.Sprintf("catalog ok, %d database(s)", len(records)), CheckedAt: start, Duration: time.Since(start)}
}

func (s *StoreChecker) Type() CheckType { return CheckTypeStore }
