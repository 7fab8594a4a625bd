package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ning0612/sftpsync/internal/config"
	"github.com/Ning0612/sftpsync/internal/daemon"
	"github.com/Ning0612/sftpsync/internal/domain"
	"github.com/Ning0612/sftpsync/internal/job"
	"github.com/Ning0612/sftpsync/internal/remote"
	"github.com/Ning0612/sftpsync/internal/scheduler"
	"github.com/Ning0612/sftpsync/internal/service"
	"github.com/Ning0612/sftpsync/internal/state"
	"github.com/Ning0612/sftpsync/internal/testutil"
	"github.com/Ning0612/sftpsync/internal/version"
)

// execute runs args against a fresh command tree holding sub
func execute(t *testing.T, sub *cobra.Command, args ...string) (string, error) {
	t.Helper()

	root := &cobra.Command{Use: "sftpsync", SilenceErrors: true}
	root.PersistentFlags().StringP("config", "c", "", "")
	root.PersistentFlags().String("log-level", "", "")
	root.AddCommand(sub)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

type memRecorder struct {
	mu   sync.Mutex
	runs []state.RunRecord
}

func (m *memRecorder) SaveRun(ctx context.Context, record state.RunRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, record)
	return int64(len(m.runs)), nil
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, newVersionCmd(), "version")
	require.NoError(t, err)
	assert.Equal(t, version.AppName+" "+version.Detailed(), strings.TrimSpace(out))
}

func TestServersCommands_AddListRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sftpsync", "config.yaml")
	local := t.TempDir()

	out, err := execute(t, newServersCmd(), "servers", "add", "backup",
		"--config", path,
		"--host", "files.example.com",
		"--user", "alice",
		"--local", local,
		"--remote", "/data",
		"--direction", "mirror",
		"--recheck", "30")
	require.NoError(t, err)
	assert.Contains(t, out, "Added backup")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 1)
	s := cfg.Servers[0]
	assert.Equal(t, "files.example.com", s.Host)
	assert.Equal(t, 22, s.Port)
	assert.Equal(t, domain.DirectionMirror, s.Direction)
	assert.Equal(t, 30, s.RecheckMinutes)
	assert.Equal(t, domain.HashMD5, s.HashAlgorithm)

	out, err = execute(t, newServersCmd(), "servers", "list", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "backup")
	assert.Contains(t, out, "files.example.com:22")
	assert.Contains(t, out, "mirror")

	_, err = execute(t, newServersCmd(), "servers", "add", "backup",
		"--config", path, "--host", "h", "--user", "u", "--local", local)
	assert.ErrorIs(t, err, domain.ErrDuplicateServer)

	out, err = execute(t, newServersCmd(), "servers", "remove", "backup", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Removed backup")

	cfg, err = config.Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Servers)

	_, err = execute(t, newServersCmd(), "servers", "remove", "backup", "--config", path)
	assert.ErrorIs(t, err, domain.ErrServerNotFound)
}

func TestServersAdd_RejectsUnknownDirection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	_, err := execute(t, newServersCmd(), "servers", "add", "x",
		"--config", path, "--host", "h", "--user", "u", "--local", t.TempDir(), "--direction", "sideways")
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "nothing written")
}

func TestHistoryCommand(t *testing.T) {
	dataDir := t.TempDir()
	path := writeConfig(t, "settings:\n  data_dir: "+dataDir+"\n")

	out, err := execute(t, newHistoryCmd(), "history", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded")

	m, err := state.NewManager(dataDir)
	require.NoError(t, err)
	now := time.Now()
	for _, alias := range []string{"alpha", "beta"} {
		_, err := m.SaveRun(context.Background(), state.RunRecord{
			Server:     alias,
			Direction:  "clone",
			StartTime:  now.Add(-time.Minute),
			EndTime:    now,
			Status:     state.StatusSuccess,
			Downloaded: 3,
			Bytes:      2048,
		})
		require.NoError(t, err)
	}
	require.NoError(t, m.Close())

	out, err = execute(t, newHistoryCmd(), "history", "alpha", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "success")
	assert.Contains(t, out, "2.0 KiB")
	assert.NotContains(t, out, "beta")
}

func TestControlCommand_NoDaemon(t *testing.T) {
	path := writeConfig(t, "settings:\n  data_dir: "+t.TempDir()+"\n")

	_, err := execute(t, newStopCmd(), "stop", "--config", path)
	assert.Error(t, err)
}

func TestRunServers(t *testing.T) {
	servers := []domain.ServerConfig{
		{Alias: "ok", Direction: domain.DirectionClone},
		{Alias: "broken", Direction: domain.DirectionUpload},
		{Alias: "after", Direction: domain.DirectionMirror},
	}
	var ran []string
	runner := scheduler.SyncRunnerFunc(func(ctx context.Context, cfg domain.ServerConfig) (job.Result, error) {
		ran = append(ran, cfg.Alias)
		if cfg.Alias == "broken" {
			return job.Result{Failed: 1}, &domain.ProtocolError{Op: "list", Err: errors.New("boom")}
		}
		return job.Result{Downloaded: 2, Bytes: 1024}, nil
	})
	rec := &memRecorder{}
	var out bytes.Buffer

	err := runServers(context.Background(), &out, runner, servers, rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	assert.Equal(t, []string{"ok", "broken", "after"}, ran, "a failure does not stop later servers")
	require.Len(t, rec.runs, 3)
	assert.Equal(t, state.StatusSuccess, rec.runs[0].Status)
	assert.Equal(t, state.StatusFailed, rec.runs[1].Status)
	assert.Equal(t, "upload", rec.runs[1].Direction)
	assert.Contains(t, out.String(), "downloaded 2")
	assert.Contains(t, out.String(), "1.0 KiB")
	assert.Contains(t, out.String(), "broken (upload) failed")
}

func TestRunServers_StopsWhenCancelled(t *testing.T) {
	servers := []domain.ServerConfig{{Alias: "a"}, {Alias: "b"}}
	var ran []string
	runner := scheduler.SyncRunnerFunc(func(ctx context.Context, cfg domain.ServerConfig) (job.Result, error) {
		ran = append(ran, cfg.Alias)
		return job.Result{}, domain.ErrCancelled
	})

	err := runServers(context.Background(), &bytes.Buffer{}, runner, servers, nil)
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.Equal(t, []string{"a"}, ran)
}

// daemonConfig renders a config file syncing the given aliases from
// /srv/<alias> into dirs[alias]
func daemonConfig(dataDir string, dirs map[string]string, aliases ...string) string {
	var b strings.Builder
	b.WriteString("settings:\n")
	b.WriteString("  poll_interval: 1m\n")
	b.WriteString("  shutdown_grace: 2s\n")
	b.WriteString("  connect_retry_delay: 1ms\n")
	b.WriteString("  connect_retry_max_delay: 5ms\n")
	b.WriteString("  data_dir: " + dataDir + "\n")
	b.WriteString("servers:\n")
	for _, alias := range aliases {
		b.WriteString("  - alias: " + alias + "\n")
		b.WriteString("    host: mem\n")
		b.WriteString("    username: u\n")
		b.WriteString("    remote_dir: /srv/" + alias + "\n")
		b.WriteString("    local_dir: " + dirs[alias] + "\n")
	}
	return b.String()
}

type daemonFixture struct {
	srv      *testutil.SFTPServer
	svc      *service.DaemonService
	ctl      *controller
	clock    *clockwork.FakeClock
	settings config.Settings
	path     string
	dataDir  string
	dirs     map[string]string
}

// newDaemon builds a daemon from a config file holding server "a"
func newDaemon(t *testing.T) *daemonFixture {
	t.Helper()

	srv := testutil.NewSFTPServer(t)
	for _, alias := range []string{"a", "b"} {
		srv.Mkdir("/srv/" + alias)
	}
	f := &daemonFixture{
		srv:     srv,
		clock:   clockwork.NewFakeClock(),
		dataDir: t.TempDir(),
		dirs:    map[string]string{"a": t.TempDir(), "b": t.TempDir()},
	}
	f.path = writeConfig(t, daemonConfig(f.dataDir, f.dirs, "a"))

	cfg, err := config.Load(f.path)
	require.NoError(t, err)
	f.settings = cfg.Settings

	f.svc, err = service.NewDaemonService(cfg, service.Options{
		Dialer: func(c domain.ServerConfig) remote.DialFunc { return srv.Dialer(c) },
		Clock:  f.clock,
	})
	require.NoError(t, err)
	f.ctl = &controller{
		svc:        f.svc,
		configPath: f.path,
		pause:      daemon.NewPauseRequest(cfg.PidFile()),
	}
	return f
}

func (f *daemonFixture) rewrite(t *testing.T, aliases ...string) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.path, []byte(daemonConfig(f.dataDir, f.dirs, aliases...)), 0600))
}

func aliases(servers []domain.ServerConfig) []string {
	var out []string
	for _, s := range servers {
		out = append(out, s.Alias)
	}
	return out
}

func TestController_PauseResume(t *testing.T) {
	f := newDaemon(t)
	require.NoError(t, f.svc.Start(context.Background()))
	t.Cleanup(func() { f.svc.Stop() })

	f.ctl.handle(actionPause)
	for _, st := range f.svc.Status().Servers {
		assert.Equal(t, scheduler.StatePaused, st.State)
		assert.True(t, st.PausedUntil.IsZero(), "pause without duration lasts until resumed")
	}

	f.ctl.handle(actionResume)
	for _, st := range f.svc.Status().Servers {
		assert.NotEqual(t, scheduler.StatePaused, st.State)
	}

	f.ctl.handle("")
}

func TestController_PauseForDuration(t *testing.T) {
	f := newDaemon(t)
	require.NoError(t, f.svc.Start(context.Background()))
	t.Cleanup(func() { f.svc.Stop() })

	require.NoError(t, f.ctl.pause.Write(2*time.Hour))
	f.ctl.handle(actionPause)

	status := f.svc.Status()
	require.Len(t, status.Servers, 1)
	assert.Equal(t, scheduler.StatePaused, status.Servers[0].State)
	assert.Equal(t, f.clock.Now().Add(2*time.Hour), status.Servers[0].PausedUntil)

	_, err := os.Stat(f.ctl.pause.Path())
	assert.True(t, os.IsNotExist(err), "request is consumed")
}

func TestController_RecheckReloadsConfig(t *testing.T) {
	f := newDaemon(t)
	f.srv.WriteFile("/srv/a/x.txt", []byte("x"))
	f.srv.WriteFile("/srv/b/y.txt", []byte("y"))
	require.NoError(t, f.svc.Start(context.Background()))
	t.Cleanup(func() { f.svc.Stop() })

	testutil.AssertEventually(t, 10*time.Second, func() bool {
		return fileContent(filepath.Join(f.dirs["a"], "x.txt")) == "x"
	}, "a synced")

	f.rewrite(t, "b")
	f.ctl.handle(actionRecheck)

	assert.Equal(t, []string{"b"}, aliases(f.svc.Servers()))
	testutil.AssertEventually(t, 10*time.Second, func() bool {
		return fileContent(filepath.Join(f.dirs["b"], "y.txt")) == "y"
	}, "server added by reload synced")

	// a broken file keeps the running servers
	require.NoError(t, os.WriteFile(f.path, []byte("servers: [\n"), 0600))
	f.ctl.handle(actionRecheck)
	assert.Equal(t, []string{"b"}, aliases(f.svc.Servers()))
}

func TestPauseCommand_RejectsNegativeDuration(t *testing.T) {
	path := writeConfig(t, "settings:\n  data_dir: "+t.TempDir()+"\n")

	_, err := execute(t, newPauseCmd(), "pause", "--for", "-5m", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative")

	_, err = execute(t, newPauseCmd(), "pause", "--for", "5m", "--config", path)
	assert.ErrorIs(t, err, daemon.ErrNotRunning)
}

func TestRunDaemon_StopsOnCancel(t *testing.T) {
	f := newDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- runDaemon(ctx, f.ctl, f.settings, clockwork.NewFakeClock())
	}()

	testutil.AssertEventually(t, 5*time.Second, func() bool {
		return f.svc.Status().Running
	}, "daemon started")
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.False(t, f.svc.Status().Running)
}

func fileContent(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}
