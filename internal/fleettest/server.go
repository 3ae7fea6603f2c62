// Package fleettest provides in-process stand-ins for a fleet cluster: an
// HTTP fake of the fleet v1 API and an SSH server that forwards channels to
// it, so the client packages can be exercised end to end without a cluster.
package fleettest

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/cnelson/go-fleet/endpoint"
)

// DiscoveryDocument is the fleet v1 discovery document served by Server.
//
//go:embed testdata/discovery.json
var DiscoveryDocument []byte

// UnitOption mirrors the API's UnitOption entity.
type UnitOption struct {
	Section string `json:"section"`
	Name    string `json:"name"`
	Value   string `json:"value"`
}

// Unit mirrors the API's Unit entity.
type Unit struct {
	Name         string       `json:"name"`
	Options      []UnitOption `json:"options"`
	DesiredState string       `json:"desiredState,omitempty"`
	CurrentState string       `json:"currentState,omitempty"`
	MachineID    string       `json:"machineID,omitempty"`
}

// Machine mirrors the API's Machine entity. A nil Metadata is omitted from
// responses, as fleet does for machines without metadata.
type Machine struct {
	ID        string            `json:"id"`
	PrimaryIP string            `json:"primaryIP"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// UnitState mirrors the API's UnitState entity.
type UnitState struct {
	Name               string `json:"name"`
	Hash               string `json:"hash"`
	MachineID          string `json:"machineID"`
	SystemdLoadState   string `json:"systemdLoadState"`
	SystemdActiveState string `json:"systemdActiveState"`
	SystemdSubState    string `json:"systemdSubState"`
}

// Options configures NewServer.
type Options struct {
	// PageSize limits list responses; zero returns everything in one page.
	PageSize int
	// DisableDiscovery answers the discovery document with 404, like an
	// HTTP server that is not fleet.
	DisableDiscovery bool
	// SocketPath serves the API on a unix domain socket instead of TCP.
	SocketPath string
	Machines   []Machine
	Units      []Unit
	States     []UnitState
}

type injectedError struct {
	status int
	body   string
}

// Server is an in-memory fleet v1 API.
type Server struct {
	*httptest.Server

	opts Options

	mu         sync.Mutex
	units      map[string]*Unit
	machines   []Machine
	states     []UnitState
	requests   map[string]int
	requestIDs []string
	injected   map[string][]injectedError
}

// NewServer starts a fake fleet API seeded from opts. It is shut down by
// t.Cleanup.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()

	s := &Server{
		opts:     opts,
		units:    make(map[string]*Unit),
		machines: append([]Machine(nil), opts.Machines...),
		states:   append([]UnitState(nil), opts.States...),
		requests: make(map[string]int),
		injected: make(map[string][]injectedError),
	}
	for _, u := range opts.Units {
		u := u
		s.units[u.Name] = &u
	}

	s.Server = httptest.NewUnstartedServer(s.routes())
	if opts.SocketPath != "" {
		l, err := net.Listen("unix", opts.SocketPath)
		if err != nil {
			t.Fatalf("listen on %s: %v", opts.SocketPath, err)
		}
		s.Server.Listener.Close()
		s.Server.Listener = l
	}
	s.Start()
	t.Cleanup(s.Close)
	return s
}

// SocketDir returns a short temporary directory for unix sockets. Socket
// paths are length limited, so t.TempDir's long names cannot be used.
func SocketDir(t testing.TB) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "fleet")
	if err != nil {
		t.Fatalf("create socket dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// SocketPath returns a fresh socket path inside SocketDir.
func SocketPath(t testing.TB) string {
	t.Helper()
	return filepath.Join(SocketDir(t), "fleet.sock")
}

// Endpoint returns the fleet endpoint URL for the server.
func (s *Server) Endpoint() string {
	if s.opts.SocketPath != "" {
		return endpoint.UnixURL(s.opts.SocketPath)
	}
	return s.URL
}

// Addr returns host and port of a TCP server.
func (s *Server) Addr() (string, int) {
	host, p, _ := net.SplitHostPort(s.Listener.Addr().String())
	port, _ := strconv.Atoi(p)
	return host, port
}

// InjectError makes the next request matching route ("GET /fleet/v1/units")
// fail with status and body. Injected errors are consumed in order.
func (s *Server) InjectError(route string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injected[route] = append(s.injected[route], injectedError{status: status, body: body})
}

// Requests returns how many requests matched route.
func (s *Server) Requests(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[route]
}

// RequestIDs returns the X-Request-Id headers seen, in arrival order.
func (s *Server) RequestIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requestIDs...)
}

// Unit returns a copy of the stored unit.
func (s *Server) Unit(name string) (Unit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[name]
	if !ok {
		return Unit{}, false
	}
	return *u, true
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.track)

	r.Route("/fleet/v1", func(r chi.Router) {
		r.Get("/discovery", s.discovery)
		r.Get("/machines", s.listMachines)
		r.Get("/units", s.listUnits)
		r.Get("/units/{unitName}", s.getUnit)
		r.Put("/units/{unitName}", s.setUnit)
		r.Delete("/units/{unitName}", s.deleteUnit)
		r.Get("/state", s.listStates)
	})
	return r
}

// track counts requests and serves injected errors.
func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.Method + " " + r.URL.Path

		s.mu.Lock()
		s.requests[route]++
		if id := r.Header.Get("X-Request-Id"); id != "" {
			s.requestIDs = append(s.requestIDs, id)
		}
		var inj *injectedError
		if queue := s.injected[route]; len(queue) > 0 {
			inj = &queue[0]
			s.injected[route] = queue[1:]
		}
		s.mu.Unlock()

		if inj != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(inj.status)
			fmt.Fprint(w, inj.body)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": status, "message": message},
	})
}

func (s *Server) discovery(w http.ResponseWriter, r *http.Request) {
	if s.opts.DisableDiscovery {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(DiscoveryDocument)
}

// page slices items according to the nextPageToken query parameter.
// Tokens have the form "page-N".
func page[T any](s *Server, w http.ResponseWriter, r *http.Request, field string, items []T) {
	if items == nil {
		items = []T{}
	}
	start := 0
	if tok := r.URL.Query().Get("nextPageToken"); tok != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(tok, "page-"))
		if err != nil || !strings.HasPrefix(tok, "page-") || n < 0 || n > len(items) {
			writeError(w, http.StatusBadRequest, "invalid nextPageToken")
			return
		}
		start = n
	}

	end := len(items)
	if s.opts.PageSize > 0 && start+s.opts.PageSize < end {
		end = start + s.opts.PageSize
	}

	resp := map[string]any{field: items[start:end]}
	if end < len(items) {
		resp["nextPageToken"] = fmt.Sprintf("page-%d", end)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listMachines(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	machines := append([]Machine(nil), s.machines...)
	s.mu.Unlock()
	page(s, w, r, "machines", machines)
}

func (s *Server) sortedUnits() []Unit {
	names := make([]string, 0, len(s.units))
	for name := range s.units {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Unit, 0, len(names))
	for _, name := range names {
		out = append(out, *s.units[name])
	}
	return out
}

func (s *Server) listUnits(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	units := s.sortedUnits()
	s.mu.Unlock()
	page(s, w, r, "units", units)
}

func (s *Server) getUnit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "unitName")
	s.mu.Lock()
	u, ok := s.units[name]
	var out Unit
	if ok {
		out = *u
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "unit does not exist")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func validState(state string) bool {
	switch state {
	case "inactive", "loaded", "launched":
		return true
	}
	return false
}

func (s *Server) setUnit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "unitName")

	var body Unit
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "unable to decode body")
		return
	}
	if !validState(body.DesiredState) {
		writeError(w, http.StatusBadRequest, "invalid desiredState")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.units[name]
	if !exists {
		if len(body.Options) == 0 {
			writeError(w, http.StatusConflict, "unit does not exist and options field empty")
			return
		}
		u = &Unit{Name: name, Options: body.Options}
		s.units[name] = u
	} else if len(body.Options) > 0 && !sameOptions(u.Options, body.Options) {
		writeError(w, http.StatusConflict, "unit already exists with different options")
		return
	}
	s.converge(u, body.DesiredState)

	if exists {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// converge moves a unit straight to its desired state and keeps the unit
// state list in step. Caller must hold s.mu.
func (s *Server) converge(u *Unit, desired string) {
	u.DesiredState = desired
	u.CurrentState = desired

	s.dropState(u.Name)
	if desired == "inactive" {
		u.MachineID = ""
		return
	}
	if u.MachineID == "" && len(s.machines) > 0 {
		u.MachineID = s.machines[0].ID
	}
	active, sub := "inactive", "dead"
	if desired == "launched" {
		active, sub = "active", "running"
	}
	s.states = append(s.states, UnitState{
		Name:               u.Name,
		Hash:               fmt.Sprintf("%x", len(u.Options)),
		MachineID:          u.MachineID,
		SystemdLoadState:   "loaded",
		SystemdActiveState: active,
		SystemdSubState:    sub,
	})
}

// dropState removes the unit state entries for name. Caller must hold s.mu.
func (s *Server) dropState(name string) {
	kept := s.states[:0]
	for _, st := range s.states {
		if st.Name != name {
			kept = append(kept, st)
		}
	}
	s.states = kept
}

func sameOptions(a, b []UnitOption) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Server) deleteUnit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "unitName")

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.units[name]; !ok {
		writeError(w, http.StatusNotFound, "unit does not exist")
		return
	}
	delete(s.units, name)
	s.dropState(name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listStates(w http.ResponseWriter, r *http.Request) {
	machineID := r.URL.Query().Get("machineID")
	unitName := r.URL.Query().Get("unitName")

	s.mu.Lock()
	var states []UnitState
	for _, st := range s.states {
		if machineID != "" && st.MachineID != machineID {
			continue
		}
		if unitName != "" && st.Name != unitName {
			continue
		}
		states = append(states, st)
	}
	s.mu.Unlock()

	if states == nil {
		states = []UnitState{}
	}
	page(s, w, r, "states", states)
}
