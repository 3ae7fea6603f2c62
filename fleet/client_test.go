package fleet

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cnelson/go-fleet/fleeterr"
	"github.com/cnelson/go-fleet/internal/fleettest"
	"github.com/cnelson/go-fleet/sshtunnel"
	"github.com/cnelson/go-fleet/transport"
)

var testMachines = []fleettest.Machine{
	{ID: "m0", PrimaryIP: "10.0.0.10", Metadata: map[string]string{"region": "us-east"}},
	{ID: "m1", PrimaryIP: "10.0.0.11"},
	{ID: "m2", PrimaryIP: "10.0.0.12"},
	{ID: "m3", PrimaryIP: "10.0.0.13"},
	{ID: "m4", PrimaryIP: "10.0.0.14"},
}

func newTestClient(t *testing.T, opts fleettest.Options) (*fleettest.Server, *Client) {
	t.Helper()
	srv := fleettest.NewServer(t, opts)
	c, err := NewClient(context.Background(), Config{Endpoint: srv.Endpoint()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return srv, c
}

// closedAddr returns a loopback address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestNewClient(t *testing.T) {
	srv, c := newTestClient(t, fleettest.Options{})
	if c.Endpoint().Raw() != srv.URL {
		t.Errorf("Endpoint() = %q, want %q", c.Endpoint().Raw(), srv.URL)
	}
	if c.Tunnel() != nil {
		t.Error("Tunnel() should be nil without a tunnel")
	}
	if _, ok := c.Catalog().Method("Units.List"); !ok {
		t.Error("catalog missing Units.List")
	}
	if got := srv.Requests("GET /fleet/v1/discovery"); got != 1 {
		t.Errorf("discovery requests = %d, want 1", got)
	}
}

func TestNewClientConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"bad scheme", Config{Endpoint: "ftp://example.com"}, "invalid endpoint"},
		{"bad port", Config{Endpoint: "http://example.com:http"}, "invalid endpoint"},
		{"internal scheme", Config{Endpoint: "ssh+http://example.com"}, "configure Tunnel"},
		{"http client and tunnel", Config{
			Endpoint:   "http://example.com",
			HTTPClient: &http.Client{},
			Tunnel:     &sshtunnel.Config{Target: "example.com"},
		}, "only one of"},
		{"negative request timeout", Config{Endpoint: "http://example.com", RequestTimeout: -time.Second}, "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(context.Background(), tt.cfg)
			var ce *fleeterr.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v, want ConfigError", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestNewClientInvalidEndpointWrapsFormatError(t *testing.T) {
	_, err := NewClient(context.Background(), Config{Endpoint: "gopher://x"})
	var fe *fleeterr.FormatError
	if !errors.As(err, &fe) {
		t.Errorf("err = %v, want wrapped FormatError", err)
	}
}

func TestNewClientUnreachable(t *testing.T) {
	addr := closedAddr(t)
	_, err := NewClient(context.Background(), Config{Endpoint: "http://" + addr})

	var ce *fleeterr.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
	if !strings.Contains(err.Error(), "unable to connect to endpoint") {
		t.Errorf("err = %q", err)
	}
	if !fleeterr.IsConnectivity(err, fleeterr.KindRefused) {
		t.Errorf("err = %v, want wrapped refused ConnectivityError", err)
	}
}

func TestNewClientNotFleet(t *testing.T) {
	srv := fleettest.NewServer(t, fleettest.Options{DisableDiscovery: true})
	_, err := NewClient(context.Background(), Config{Endpoint: srv.URL})

	var ce *fleeterr.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
	want := "connected to endpoint " + srv.URL + " but it is not a fleet v1 API endpoint"
	if !strings.Contains(err.Error(), want) {
		t.Errorf("err = %q, want it to contain %q", err, want)
	}
	var he *fleeterr.HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusNotFound {
		t.Errorf("err = %v, want wrapped 404 HTTPError", err)
	}
}

func TestNewClientCustomHTTPClient(t *testing.T) {
	srv := fleettest.NewServer(t, fleettest.Options{Machines: testMachines[:1]})
	c, err := NewClient(context.Background(), Config{Endpoint: srv.URL, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	machines, err := c.ListMachines(context.Background())
	if err != nil {
		t.Fatalf("ListMachines: %v", err)
	}
	if len(machines) != 1 || machines[0].ID != "m0" {
		t.Errorf("machines = %+v", machines)
	}
}

func TestUnixSocketEndpoint(t *testing.T) {
	_, c := newTestClient(t, fleettest.Options{
		SocketPath: fleettest.SocketPath(t),
		Machines:   testMachines,
	})
	if !c.Endpoint().IsUnix() {
		t.Errorf("Endpoint() = %v, want unix", c.Endpoint())
	}
	machines, err := c.ListMachines(context.Background())
	if err != nil {
		t.Fatalf("ListMachines: %v", err)
	}
	if len(machines) != len(testMachines) {
		t.Errorf("got %d machines, want %d", len(machines), len(testMachines))
	}
}

func TestUnixSocketEndpointCustomHTTPClient(t *testing.T) {
	srv := fleettest.NewServer(t, fleettest.Options{
		SocketPath: fleettest.SocketPath(t),
		Machines:   testMachines[:2],
	})
	hc := &http.Client{Timeout: 5 * time.Second}
	c, err := NewClient(context.Background(), Config{Endpoint: srv.Endpoint(), HTTPClient: hc})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	machines, err := c.ListMachines(context.Background())
	if err != nil {
		t.Fatalf("ListMachines: %v", err)
	}
	if len(machines) != 2 {
		t.Errorf("got %d machines, want 2", len(machines))
	}
	if hc.Transport != nil {
		t.Error("caller's HTTP client was modified")
	}
	if got := srv.Requests("GET /fleet/v1/machines"); got != 1 {
		t.Errorf("socket requests = %d, want 1", got)
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestUnixSocketEndpointOpaqueTransport(t *testing.T) {
	hc := &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("not reached")
	})}
	_, err := NewClient(context.Background(), Config{
		Endpoint:   "http+unix://%2Fvar%2Frun%2Ffleet.sock",
		HTTPClient: hc,
	})
	var ce *fleeterr.ConfigError
	if !errors.As(err, &ce) || !strings.Contains(err.Error(), "unix socket") {
		t.Errorf("err = %v, want ConfigError about the unix socket", err)
	}
}

func TestDirectConnectTimeout(t *testing.T) {
	srv := fleettest.NewServer(t, fleettest.Options{})
	tests := []struct {
		name    string
		timeout time.Duration
		want    time.Duration
	}{
		{"unset keeps os default", 0, 0},
		{"explicit", 3 * time.Second, 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient(context.Background(), Config{Endpoint: srv.URL, SocketTimeout: tt.timeout})
			if err != nil {
				t.Fatalf("NewClient: %v", err)
			}
			defer c.Close()
			d, ok := c.provider.(*transport.Direct)
			if !ok {
				t.Fatalf("provider = %T, want *transport.Direct", c.provider)
			}
			if d.Timeout() != tt.want {
				t.Errorf("connect timeout = %v, want %v", d.Timeout(), tt.want)
			}
		})
	}
}

func TestCallUnknownMethod(t *testing.T) {
	_, c := newTestClient(t, fleettest.Options{})
	_, err := c.Call(context.Background(), "Units.Frobnicate", nil, nil)
	var fe *fleeterr.FormatError
	if !errors.As(err, &fe) {
		t.Errorf("err = %v, want FormatError", err)
	}
}

func TestCallAPIError(t *testing.T) {
	_, c := newTestClient(t, fleettest.Options{})
	_, err := c.GetUnit(context.Background(), "missing.service")

	var apiErr *fleeterr.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.Code != 404 || apiErr.Message != "unit does not exist" {
		t.Errorf("APIError = %d %q", apiErr.Code, apiErr.Message)
	}
	if err.Error() != "unit does not exist (404)" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !fleeterr.IsNotFound(err) {
		t.Error("IsNotFound = false")
	}
	var he *fleeterr.HTTPError
	if !errors.As(err, &he) || !strings.HasSuffix(he.URL, "/fleet/v1/units/missing.service") {
		t.Errorf("cause = %v, want HTTPError for the unit URL", err)
	}
}

func TestCallErrorWithoutEnvelope(t *testing.T) {
	srv, c := newTestClient(t, fleettest.Options{})
	srv.InjectError("GET /fleet/v1/machines", http.StatusBadGateway, "upstream went away")

	_, err := c.ListMachines(context.Background())
	var apiErr *fleeterr.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.Code != http.StatusBadGateway || apiErr.Message != "Bad Gateway" {
		t.Errorf("APIError = %d %q", apiErr.Code, apiErr.Message)
	}
	var he *fleeterr.HTTPError
	if !errors.As(err, &he) || string(he.Body) != "upstream went away" {
		t.Errorf("HTTPError body = %q", he.Body)
	}
}

func TestCallTransportErrorIsNotAPIError(t *testing.T) {
	srv, c := newTestClient(t, fleettest.Options{})
	srv.Close()

	_, err := c.ListMachines(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *fleeterr.APIError
	if errors.As(err, &apiErr) {
		t.Errorf("err = %v, must not be an APIError", err)
	}
}

func TestCallEmptyBody(t *testing.T) {
	srv, c := newTestClient(t, fleettest.Options{
		Units: []fleettest.Unit{{Name: "a.service", DesiredState: "launched"}},
	})
	raw, err := c.Call(context.Background(), "Units.Delete", Params{"unitName": "a.service"}, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(raw) != "{}" {
		t.Errorf("raw = %q, want {}", raw)
	}
	if _, ok := srv.Unit("a.service"); ok {
		t.Error("unit still present after delete")
	}
}

func TestRequestIDs(t *testing.T) {
	srv, c := newTestClient(t, fleettest.Options{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.ListUnits(ctx); err != nil {
			t.Fatalf("ListUnits: %v", err)
		}
	}

	ids := srv.RequestIDs()
	if len(ids) != 3 {
		t.Fatalf("got %d request ids, want 3 (discovery carries none)", len(ids))
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			t.Errorf("request id %q is not a UUID", id)
		}
		if seen[id] {
			t.Errorf("duplicate request id %q", id)
		}
		seen[id] = true
	}
}

func TestPagination(t *testing.T) {
	srv, c := newTestClient(t, fleettest.Options{PageSize: 2, Machines: testMachines})

	machines, err := c.ListMachines(context.Background())
	if err != nil {
		t.Fatalf("ListMachines: %v", err)
	}
	var ids []string
	for _, m := range machines {
		ids = append(ids, m.ID)
	}
	if got := strings.Join(ids, ","); got != "m0,m1,m2,m3,m4" {
		t.Errorf("ids = %s", got)
	}
	if got := srv.Requests("GET /fleet/v1/machines"); got != 3 {
		t.Errorf("page requests = %d, want 3", got)
	}
}

func TestPagerIgnoresCallerToken(t *testing.T) {
	_, c := newTestClient(t, fleettest.Options{PageSize: 2, Machines: testMachines})
	ctx := context.Background()

	p := c.Pages("Machines.List", Params{"nextPageToken": "page-4"})
	pages := 0
	for p.Next(ctx) {
		if pages == 0 && !strings.Contains(string(p.Page()), `"m0"`) {
			t.Errorf("first page = %s, want it to start at m0", p.Page())
		}
		pages++
	}
	if err := p.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}
	if pages != 3 {
		t.Errorf("pages = %d, want 3", pages)
	}
	if p.Next(ctx) {
		t.Error("Next after exhaustion returned true")
	}
}

func TestPagerStopsOnError(t *testing.T) {
	srv, c := newTestClient(t, fleettest.Options{PageSize: 2, Machines: testMachines})
	ctx := context.Background()

	p := c.Pages("Machines.List", nil)
	if !p.Next(ctx) {
		t.Fatalf("first Next failed: %v", p.Err())
	}
	srv.InjectError("GET /fleet/v1/machines", http.StatusInternalServerError,
		`{"error":{"code":500,"message":"etcd unavailable"}}`)
	if p.Next(ctx) {
		t.Fatal("Next succeeded despite injected error")
	}
	var apiErr *fleeterr.APIError
	if !errors.As(p.Err(), &apiErr) || apiErr.Message != "etcd unavailable" {
		t.Errorf("Err() = %v", p.Err())
	}
	if p.Page() != nil {
		t.Error("Page() should be nil after an error")
	}
	if p.Next(ctx) {
		t.Error("Pager restarted after an error")
	}
}

func TestListEmpty(t *testing.T) {
	_, c := newTestClient(t, fleettest.Options{})
	units, err := c.ListUnits(context.Background())
	if err != nil {
		t.Fatalf("ListUnits: %v", err)
	}
	if len(units) != 0 {
		t.Errorf("units = %v, want none", units)
	}
}

func TestListMachinesMetadata(t *testing.T) {
	_, c := newTestClient(t, fleettest.Options{Machines: testMachines[:2]})
	machines, err := c.ListMachines(context.Background())
	if err != nil {
		t.Fatalf("ListMachines: %v", err)
	}
	if machines[0].Metadata["region"] != "us-east" {
		t.Errorf("m0 metadata = %v", machines[0].Metadata)
	}
	if machines[1].Metadata == nil || len(machines[1].Metadata) != 0 {
		t.Errorf("m1 metadata = %#v, want empty map", machines[1].Metadata)
	}
}

func TestListUnitStatesFilter(t *testing.T) {
	states := []fleettest.UnitState{
		{Name: "a.service", MachineID: "m0", SystemdActiveState: "active"},
		{Name: "b.service", MachineID: "m0", SystemdActiveState: "failed"},
		{Name: "a.service", MachineID: "m1", SystemdActiveState: "active"},
	}
	_, c := newTestClient(t, fleettest.Options{States: states})

	tests := []struct {
		filter StateFilter
		want   []string
	}{
		{StateFilter{}, []string{"a.service@m0", "b.service@m0", "a.service@m1"}},
		{StateFilter{MachineID: "m0"}, []string{"a.service@m0", "b.service@m0"}},
		{StateFilter{UnitName: "a.service"}, []string{"a.service@m0", "a.service@m1"}},
		{StateFilter{MachineID: "m1", UnitName: "b.service"}, nil},
	}
	for _, tt := range tests {
		got, err := c.ListUnitStates(context.Background(), tt.filter)
		if err != nil {
			t.Fatalf("ListUnitStates(%+v): %v", tt.filter, err)
		}
		var keys []string
		for _, s := range got {
			keys = append(keys, s.Name+"@"+s.MachineID)
		}
		if strings.Join(keys, ",") != strings.Join(tt.want, ",") {
			t.Errorf("ListUnitStates(%+v) = %v, want %v", tt.filter, keys, tt.want)
		}
	}
}

func TestConcurrentCalls(t *testing.T) {
	srv, c := newTestClient(t, fleettest.Options{Machines: testMachines})
	ctx := context.Background()

	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := c.ListMachines(ctx)
			errs <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-errs; err != nil {
			t.Errorf("ListMachines: %v", err)
		}
	}
	if got := srv.Requests("GET /fleet/v1/machines"); got != 8 {
		t.Errorf("requests = %d, want 8", got)
	}
}

func TestRequestTimeout(t *testing.T) {
	// A listener that accepts connections and never answers.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var conns []net.Conn
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conns = append(conns, conn)
		}
	}()
	t.Cleanup(func() {
		l.Close()
		<-done
		for _, c := range conns {
			c.Close()
		}
	})

	start := time.Now()
	_, err = NewClient(context.Background(), Config{
		Endpoint:       "http://" + l.Addr().String(),
		RequestTimeout: 200 * time.Millisecond,
	})
	var ce *fleeterr.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("NewClient took %v despite a 200ms request timeout", elapsed)
	}
}
