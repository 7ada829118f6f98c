package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/psiphi75/SwirlVPN/internal/gateway/authority"
	"github.com/psiphi75/SwirlVPN/internal/gateway/conf"
)

type stubClient struct {
	connectErr  error
	connects    []authority.ConnectRequest
	disconnects []authority.DisconnectRequest
}

func (s *stubClient) Connect(_ context.Context, req authority.ConnectRequest) error {
	s.connects = append(s.connects, req)
	return s.connectErr
}

func (s *stubClient) Disconnect(_ context.Context, req authority.DisconnectRequest) error {
	s.disconnects = append(s.disconnects, req)
	return nil
}

func envFrom(values map[string]string) Env {
	return func(key string) string { return values[key] }
}

var hookEnv = map[string]string{
	"common_name":             "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
	"password":                "the-connection-key",
	"trusted_ip":              "103.9.42.133",
	"ifconfig_pool_remote_ip": "10.8.0.5",
	"time_unix":               "1375957154",
	"dev":                     "tun0",
}

func TestConnect_ApprovedPassesSessionDetails(t *testing.T) {
	client := &stubClient{}
	cfg := &conf.Conf{Hostname: "gw-syd-1"}

	if err := Connect(context.Background(), client, cfg, envFrom(hookEnv), nil); err != nil {
		t.Fatalf("expected admit, got %v", err)
	}

	req := client.connects[0]
	if req.UserID != hookEnv["common_name"] {
		t.Errorf("unexpected user id %q", req.UserID)
	}
	if req.ConnectionKey != "the-connection-key" {
		t.Errorf("connection key not forwarded")
	}
	if req.DateConnectedUnix != 1375957154 {
		t.Errorf("unexpected connect time %d", req.DateConnectedUnix)
	}
	if req.AssignedIP != "10.8.0.5" || req.ClientIP != "103.9.42.133" {
		t.Errorf("addresses not forwarded: %+v", req)
	}
	if req.ServerHostname != "gw-syd-1" {
		t.Errorf("hostname not taken from conf: %q", req.ServerHostname)
	}
}

func TestConnect_DenialPropagates(t *testing.T) {
	client := &stubClient{connectErr: authority.ErrDenied}
	err := Connect(context.Background(), client, &conf.Conf{}, envFrom(hookEnv), nil)
	if !errors.Is(err, authority.ErrDenied) {
		t.Fatalf("expected denial to propagate, got %v", err)
	}
}

func TestConnect_FailsOpenWhenAuthorityUnreachable(t *testing.T) {
	client := &stubClient{connectErr: errors.New("dial tcp: connection refused")}
	if err := Connect(context.Background(), client, &conf.Conf{}, envFrom(hookEnv), nil); err != nil {
		t.Fatalf("unreachable authority should admit, got %v", err)
	}
}

func TestConnect_MissingCommonNameDenies(t *testing.T) {
	client := &stubClient{}
	if err := Connect(context.Background(), client, &conf.Conf{}, envFrom(nil), nil); err == nil {
		t.Fatal("missing common_name should deny")
	}
	if len(client.connects) != 0 {
		t.Fatal("no request should reach the authority")
	}
}

func TestDisconnect_BestEffort(t *testing.T) {
	client := &stubClient{}
	Disconnect(context.Background(), client, envFrom(hookEnv), nil)

	if len(client.disconnects) != 1 {
		t.Fatalf("expected one disconnect, got %d", len(client.disconnects))
	}
	req := client.disconnects[0]
	if req.Reason != "client-disconnect" {
		t.Errorf("unexpected reason %q", req.Reason)
	}
	if req.DateConnectedUnix != 1375957154 {
		t.Errorf("unexpected connect time %d", req.DateConnectedUnix)
	}
}

func TestDisconnect_ForwardsDaemonCounters(t *testing.T) {
	env := map[string]string{}
	for k, v := range hookEnv {
		env[k] = v
	}
	// bytes_sent is server to client, bytes_received the reverse.
	env["bytes_sent"] = "5000"
	env["bytes_received"] = "2500"

	client := &stubClient{}
	Disconnect(context.Background(), client, envFrom(env), nil)

	req := client.disconnects[0]
	if req.BytesToClient != 5000 || req.BytesFromClient != 2500 {
		t.Errorf("counters not forwarded: %d/%d", req.BytesToClient, req.BytesFromClient)
	}

	// Absent counters read as zero, never an error.
	client = &stubClient{}
	Disconnect(context.Background(), client, envFrom(hookEnv), nil)
	if req := client.disconnects[0]; req.BytesToClient != 0 || req.BytesFromClient != 0 {
		t.Errorf("missing env vars should read zero, got %d/%d", req.BytesToClient, req.BytesFromClient)
	}
}
