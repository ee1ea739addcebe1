//go:build integration

package integration

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kriansa/hyperv-fcopy/internal/hyperv"
	"github.com/kriansa/hyperv-fcopy/internal/scenario"
	"github.com/kriansa/hyperv-fcopy/tests/integration/log"
)

// requirePassed reports the outcome steps and fails or skips the test to
// match the scenario verdict
func requirePassed(t *testing.T, out scenario.Outcome) {
	t.Helper()

	var b strings.Builder
	for _, st := range out.Steps {
		fmt.Fprintf(&b, "  [%s] %s %s\n", st.Status, st.Name, st.Detail)
	}
	log.Status("%s\n%s", out, b.String())

	switch out.Status {
	case scenario.Skip:
		t.Skip(out.Reason)
	case scenario.Fail:
		require.Failf(t, "scenario failed", "%s\n%s", out, b.String())
	}

	for _, st := range out.Steps {
		require.Equal(t, scenario.Pass, st.Status, "step %s should pass", st.Name)
	}
}

// createVM provisions a VM and deletes it at test end
func createVM(t *testing.T) *hyperv.Instance {
	t.Helper()
	ctx := context.Background()

	fits, err := testHarness.Manager.FlavorFits(ctx, testConfig.FlavorRef, testConfig.ImageRef)
	require.NoError(t, err, "flavor check should succeed")
	if !fits {
		t.Skipf("%s does not fit in %s", testConfig.ImageRef, testConfig.FlavorRef)
	}

	log.Status("Creating VM from %s...", testConfig.ImageRef)
	inst, err := testHarness.Manager.Create(ctx, testConfig.ImageRef, testConfig.FlavorRef)
	require.NoError(t, err, "create vm should succeed")

	t.Cleanup(func() {
		if err := testHarness.Manager.Delete(context.Background(), inst.ID); err != nil {
			t.Errorf("delete vm %s: %v", inst.Name, err)
		}
	})
	return inst
}
