package vcmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flipsession/vsession/internal/vtest"
	"github.com/flipsession/vsession/vconfig"
	"github.com/flipsession/vsession/vnode"
	"github.com/flipsession/vsession/vnode/vnodetest"
	"github.com/flipsession/vsession/vstate"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := NewRootCmd(vtest.NewLogger(t))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", ""))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func socketPath(t *testing.T) string {
	t.Helper()

	// Keep the path short enough for sun_path.
	dir, err := os.MkdirTemp("", "vcmd")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return "unix:" + filepath.Join(dir, "control.sock")
}

func TestRunDaemon_controlCommands(t *testing.T) {
	n := vnodetest.New()
	n.SetEpoch(vnode.Epoch{Epoch: 7, CurrentPeriod: vnode.PeriodShortSession})
	for _, f := range n.Seed(vstate.KindShort, 10, 2, 0) {
		n.SetReady(f.Hash, true)
	}

	control := socketPath(t)

	cfg := vconfig.Default()
	cfg.Node.URL = n.Start(t)
	cfg.Control.Listen = control
	cfg.Store.Driver = vconfig.StoreMemory
	cfg.Session.PollInterval = vconfig.Duration(10 * time.Millisecond)
	cfg.Session.FetchInterval = vconfig.Duration(10 * time.Millisecond)
	cfg.Session.WordsInterval = vconfig.Duration(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- runDaemon(ctx, vtest.NewLogger(t), cfg)
	}()

	var st vstate.State
	require.Eventually(t, func() bool {
		out, err := execute(t, "state", "--json", "--control", control)
		if err != nil {
			return false
		}
		if err := json.Unmarshal([]byte(out), &st); err != nil {
			return false
		}
		return st.Short.Ready
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, uint64(7), st.Epoch)
	require.Equal(t, 2, st.Short.TotalReady)

	out, err := execute(t, "answer", "short", "left", "--control", control)
	require.NoError(t, err)
	require.Contains(t, out, "epoch 7")
	require.Contains(t, out, "answered=1")

	out, err = execute(t, "next", "short", "--control", control)
	require.NoError(t, err)
	require.Contains(t, out, "flip 2/2")

	_, err = execute(t, "answer", "short", "sideways", "--control", control)
	require.ErrorContains(t, err, "sideways")

	out, err = execute(t, "settings", "--language", "ru-RU", "--control", control)
	require.NoError(t, err)
	require.Contains(t, out, `"ru"`)

	out, err = execute(t, "epoch", "--control", control)
	require.NoError(t, err)
	require.Contains(t, out, `"valid": true`)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestControl_disabled(t *testing.T) {
	_, err := execute(t, "state", "--control", "")
	require.ErrorContains(t, err, "disabled")
}

func TestServeDevnode(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	sched := vnodetest.DefaultScheduleConfig()
	for i := range sched.Phases {
		sched.Phases[i].Duration = 50 * time.Millisecond
	}
	sched.ReadyInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := vtest.NewLogger(t)
	done := make(chan error, 1)
	go func() {
		done <- serveDevnode(ctx, log, ln, vnodetest.New(), sched)
	}()

	c, err := vnode.NewClient(log, vnode.ClientConfig{
		URL:     "http://" + ln.Addr().String(),
		Timeout: time.Second,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		e, err := c.Epoch(ctx)
		return err == nil && e.Epoch >= 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("devnode did not stop")
	}
}
