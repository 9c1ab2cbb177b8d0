package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGetReadinessTable exercises GetReadiness across every
// combination of the two critical components (catalog, dispatcher)
// being missing, unhealthy, or healthy, table-driven in the style of
// the teacher's pkg/api/health_test.go.
func TestGetReadinessTable(t *testing.T) {
	tests := []struct {
		name               string
		registerCatalog    *bool
		registerDispatcher *bool
		wantStatus         string
	}{
		{name: "both missing", wantStatus: "not_ready"},
		{name: "catalog healthy, dispatcher missing", registerCatalog: boolPtr(true), wantStatus: "not_ready"},
		{name: "both healthy", registerCatalog: boolPtr(true), registerDispatcher: boolPtr(true), wantStatus: "ready"},
		{name: "catalog unhealthy, dispatcher healthy", registerCatalog: boolPtr(false), registerDispatcher: boolPtr(true), wantStatus: "not_ready"},
		{name: "both unhealthy", registerCatalog: boolPtr(false), registerDispatcher: boolPtr(false), wantStatus: "not_ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			healthChecker = &HealthChecker{
				components: make(map[string]ComponentHealth),
				startTime:  time.Now(),
			}
			if tt.registerCatalog != nil {
				RegisterComponent("catalog", *tt.registerCatalog, "")
			}
			if tt.registerDispatcher != nil {
				RegisterComponent("dispatcher", *tt.registerDispatcher, "")
			}

			readiness := GetReadiness()
			assert.Equal(t, tt.wantStatus, readiness.Status)
			if tt.wantStatus == "not_ready" {
				require.NotEmpty(t, readiness.Message)
			}
		})
	}
}

func boolPtr(b bool) *bool { return &b }
