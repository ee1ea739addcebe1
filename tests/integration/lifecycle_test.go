//go:build integration

package integration

import (
	"context"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kriansa/hyperv-fcopy/internal/guest"
	"github.com/kriansa/hyperv-fcopy/internal/host"
	"github.com/kriansa/hyperv-fcopy/internal/hyperv"
	"github.com/kriansa/hyperv-fcopy/internal/scenario"
	"github.com/kriansa/hyperv-fcopy/internal/testfile"
)

// TestGuestServiceLifecycle walks the collaborators one by one:
// create vm -> disable service -> enable with restart -> verify status ->
// daemon -> copy -> collision -> overwrite -> remove file
func TestGuestServiceLifecycle(t *testing.T) {
	ctx := context.Background()
	service := hyperv.GuestServiceInterface
	inst := createVM(t)

	var shell scenario.GuestShell
	t.Cleanup(func() {
		if shell != nil {
			_ = shell.Close()
		}
	})

	// Step 1: Disable the service so the enable path is exercised
	t.Run("step1_disable", func(t *testing.T) {
		_, err := testHarness.Host.Output(ctx, "Disable-VMIntegrationService -VMName "+host.Quote(inst.Name)+" -Name "+host.Quote(service))
		require.NoError(t, err)
		enabled, err := testHarness.Services.QueryStatus(ctx, inst.Name, service)
		require.NoError(t, err)
		require.False(t, enabled, "service should be disabled")
	})

	// Step 2: Enable it while the VM is off
	t.Run("step2_enable_with_restart", func(t *testing.T) {
		require.NoError(t, testHarness.Manager.Stop(ctx, inst.ID))
		require.NoError(t, testHarness.Services.Enable(ctx, inst.Name, service))
		require.NoError(t, testHarness.Manager.Start(ctx, inst.ID))

		addr, err := testHarness.Manager.Address(ctx, inst.ID)
		require.NoError(t, err)
		inst.Address = addr
	})

	// Step 3: Verify status
	t.Run("step3_verify_status", func(t *testing.T) {
		require.NoError(t, testHarness.Services.VerifyStatus(ctx, inst.Name, service))
	})

	// Step 4: Connect and check the daemon
	t.Run("step4_daemon", func(t *testing.T) {
		var err error
		shell, err = testHarness.DialGuest(ctx, inst.Address, testConfig.Guest.User)
		require.NoError(t, err)
		require.NoError(t, shell.VerifyDaemon(ctx, guest.DefaultDaemonPattern))
	})

	// Step 5: Create the host file
	var spec *testfile.Spec
	t.Run("step5_create_test_file", func(t *testing.T) {
		dir, err := testfile.DefaultDir(ctx, testHarness.Host)
		require.NoError(t, err)
		spec, err = testfile.Create(ctx, testHarness.Host, dir, "1MB", time.Now())
		require.NoError(t, err)
		t.Cleanup(func() { _ = spec.Remove(context.Background(), testHarness.Host) })
	})
	require.NotNil(t, spec, "test file is required for the copy steps")
	guestPath := path.Join(testConfig.Guest.StagingDir, spec.Name)

	// Step 6: First copy lands with the right size
	t.Run("step6_copy", func(t *testing.T) {
		res, err := testHarness.Services.CopyFile(ctx, inst.Name, spec.HostPath, testConfig.Guest.StagingDir, false)
		require.NoError(t, err)
		require.Equal(t, 0, res.ExitCode, "first copy should succeed: %s", res.Stderr)

		got, err := shell.FileSize(ctx, guestPath)
		require.NoError(t, err)
		require.Equal(t, spec.Size, got)
	})

	// Step 7: Copy onto an existing file without overwrite is refused
	t.Run("step7_copy_existing", func(t *testing.T) {
		res, err := testHarness.Services.CopyFile(ctx, inst.Name, spec.HostPath, testConfig.Guest.StagingDir, false)
		require.NoError(t, err)
		require.Equal(t, 1, res.ExitCode, "copy without overwrite should fail")
	})

	// Step 8: Overwrite succeeds
	t.Run("step8_copy_overwrite", func(t *testing.T) {
		res, err := testHarness.Services.CopyFile(ctx, inst.Name, spec.HostPath, testConfig.Guest.StagingDir, true)
		require.NoError(t, err)
		require.Equal(t, 0, res.ExitCode, "overwrite should succeed: %s", res.Stderr)
	})

	// Step 9: Remove the host file
	t.Run("step9_remove_test_file", func(t *testing.T) {
		require.NoError(t, spec.Remove(ctx, testHarness.Host))
	})
}
