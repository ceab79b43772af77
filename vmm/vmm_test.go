package vmm_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bobuhiro11/govisor/apic"
	"github.com/bobuhiro11/govisor/manager"
	"github.com/bobuhiro11/govisor/vmm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()

	for _, lvl := range []string{"debug", "info", "warn", "error"} {
		for _, dev := range []bool{false, true} {
			log, err := vmm.NewLogger(lvl, dev)
			require.NoError(t, err)
			assert.NotNil(t, log)
		}
	}

	_, err := vmm.NewLogger("loud", false)
	require.Error(t, err)
}

const manifest = `
nics:
  - mac: 52:54:00:12:34:56
  - name: mgmt
    mac: 52:54:00:12:34:57
vms:
  - name: hello
    program: hello
    arg: "hi\n"
    nics: [1]
  - name: worker
    program: spin
    stop_after: 20ms
`

func TestParseManifest(t *testing.T) {
	t.Parallel()

	m, err := vmm.ParseManifest(strings.NewReader(manifest))
	require.NoError(t, err)

	require.Len(t, m.VMs, 2)
	assert.Equal(t, "hi\n", m.VMs[0].Arg)
	assert.Equal(t, []int{1}, m.VMs[0].NICs)
	assert.Equal(t, 20*time.Millisecond, m.VMs[1].StopAfter)

	devs := m.Devices()
	require.Len(t, devs, 2)
	assert.Equal(t, uint64(0x525400123456), devs[0].Addr)
	assert.Equal(t, "mgmt", devs[1].Label)

	empty, err := vmm.ParseManifest(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, empty.VMs)
}

func TestParseManifestRejects(t *testing.T) {
	t.Parallel()

	for name, doc := range map[string]string{
		"unknown key": "vms:\n  - name: a\n    program: spin\n    cpu: 3\n",
		"no name":     "vms:\n  - program: spin\n",
		"duplicate":   "vms:\n  - name: a\n    program: spin\n  - name: a\n    program: spin\n",
		"program":     "vms:\n  - name: a\n    program: bash\n",
		"nic":         "vms:\n  - name: a\n    program: spin\n    nics: [0]\n",
		"mac":         "nics:\n  - mac: nope\n",
	} {
		_, err := vmm.ParseManifest(strings.NewReader(doc))
		assert.Error(t, err, name)
	}
}

func TestDescriptorReadsImage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "guest.img")
	require.NoError(t, os.WriteFile(path, []byte("PNKC"), 0o600))

	spec := vmm.VMSpec{Name: "a", Program: "exit", Arg: "2", Image: path}

	d, err := spec.Descriptor()
	require.NoError(t, err)
	assert.Equal(t, []byte("PNKC"), d.Image)
	assert.Equal(t, "a", d.Name)

	spec.Image = filepath.Join(t.TempDir(), "missing")
	_, err = spec.Descriptor()
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestBootRunsManifest(t *testing.T) {
	t.Parallel()

	junk := filepath.Join(t.TempDir(), "junk.img")
	require.NoError(t, os.WriteFile(junk, []byte("not an image"), 0o600))

	m := &vmm.Manifest{
		NICs: []vmm.NICSpec{{MAC: "52:54:00:00:00:01"}},
		VMs: []vmm.VMSpec{
			{Name: "hello", Program: "hello", Arg: "hi\n", NICs: []int{0}},
			{Name: "exit", Program: "exit", Arg: "3"},
			{Name: "fault", Program: "fault"},
			{Name: "spin", Program: "spin", StopAfter: 20 * time.Millisecond},
			{Name: "junk", Program: "spin", Image: junk},
		},
	}

	v := vmm.New(vmm.Config{
		Cores:       3,
		MemPerCore:  32 << 20,
		PoolSize:    16,
		Idle:        "hlt",
		MetricsAddr: "127.0.0.1:0",
	}, m, zap.NewNop())
	require.NoError(t, v.Init())
	t.Cleanup(func() { assert.NoError(t, v.Close()) })

	// The configured policy reaches the machine instead of auto detection.
	assert.Equal(t, "hlt", v.Machine.Idle())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reports, err := v.Boot(ctx)
	require.NoError(t, err)
	require.NoError(t, ctx.Err())
	require.Len(t, reports, 5)

	byName := map[string]vmm.Report{}
	for _, r := range reports {
		byName[r.Name] = r
	}

	assert.Equal(t, "hi\n", string(byName["hello"].Output))
	require.NoError(t, byName["hello"].Err)

	assert.Equal(t, int32(3), byName["exit"].ReturnCode)
	require.NoError(t, byName["exit"].Err)

	assert.True(t, byName["fault"].Fault)
	assert.Equal(t, uint8(apic.VectorGP), byName["fault"].Vector)
	require.ErrorIs(t, byName["fault"].Err, manager.ErrGuestFault)

	require.NoError(t, byName["spin"].Err)
	assert.Positive(t, byName["spin"].ReturnCode)

	require.ErrorIs(t, byName["junk"].Err, unix.ENOEXEC)
}

func TestServeMetrics(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- vmm.ServeMetrics(ctx, ln, zap.NewNop()) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "govisor_icc_pool_exhausted_total")

	cancel()
	require.NoError(t, <-done)
}
