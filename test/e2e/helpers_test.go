package e2e_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/oidc-agent/internal/account"
	"github.com/alexjbarnes/oidc-agent/internal/agent"
	"github.com/alexjbarnes/oidc-agent/internal/ipc"
	"github.com/alexjbarnes/oidc-agent/internal/oidc"
	"github.com/alexjbarnes/oidc-agent/internal/oidc/oidctest"
	"github.com/alexjbarnes/oidc-agent/internal/passwords"
	"github.com/alexjbarnes/oidc-agent/internal/secret"
	"github.com/alexjbarnes/oidc-agent/internal/state"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

const redirectURI = "http://127.0.0.1:19876/callback"

// harness holds the full e2e stack: a fake provider, an agent with real
// stores, and the ipc server it listens on.
type harness struct {
	Provider  *oidctest.Provider
	Socket    string
	StatePath string
	Passwords *passwords.Store

	cancel context.CancelFunc
	done   chan struct{}
	state  *state.State
}

// newHarness wires the agent the way the serve command does and starts
// it on a socket in a temp dir.
func newHarness(t *testing.T) *harness {
	t.Helper()
	keyring.MockInit()

	dir := t.TempDir()
	h := &harness{
		Provider:  oidctest.New(t),
		Socket:    filepath.Join(dir, "sock", "agent.sock"),
		StatePath: filepath.Join(dir, "state.db"),
	}
	h.start(t)

	t.Cleanup(func() { h.stop() })

	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	codec, err := secret.NewCodec()
	require.NoError(t, err)

	h.Passwords = passwords.NewStore(codec, logger)

	h.state, err = state.LoadAt(h.StatePath)
	require.NoError(t, err)

	engine := oidc.NewEngine(oidc.WithLogger(logger))
	a := agent.New(account.NewRegistry(), h.Passwords, engine,
		agent.WithState(h.state),
		agent.WithLogger(logger),
	)

	server := ipc.NewServer(h.Socket, a, logger)
	require.NoError(t, server.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})

	go func() {
		defer close(h.done)
		server.Serve(ctx)
	}()
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}

	h.cancel()
	<-h.done
	h.state.Close()
	h.cancel = nil
}

// restart simulates the agent process exiting and starting again: the
// session is gone, the state database stays.
func (h *harness) restart(t *testing.T) {
	t.Helper()
	h.stop()
	h.start(t)
}

// do opens a connection, sends one request and returns the response.
func (h *harness) do(t *testing.T, req *agent.Request) *agent.Response {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := ipc.Dial(ctx, h.Socket)
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Do(ctx, req)
	require.NoError(t, err)

	return resp
}

func (h *harness) config(t *testing.T, name string, fields map[string]any) json.RawMessage {
	t.Helper()

	c := map[string]any{"name": name, "issuer_url": h.Provider.Issuer(), "client_id": "e2e-client"}
	for k, v := range fields {
		c[k] = v
	}

	data, err := json.Marshal(c)
	require.NoError(t, err)

	return data
}

func (h *harness) savePassword(t *testing.T, shortname, password string) {
	t.Helper()

	entry, err := json.Marshal(map[string]any{"shortname": shortname, "type": []string{"memory"}, "password": password})
	require.NoError(t, err)

	resp := h.do(t, &agent.Request{Op: agent.OpSavePassword, PasswordEntry: entry})
	require.Equal(t, agent.StatusSuccess, resp.Status, resp.Error)
}

func socketMode(t *testing.T, path string) os.FileMode {
	t.Helper()

	info, err := os.Stat(path)
	require.NoError(t, err)

	return info.Mode().Perm()
}
