package system

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func newTestService(client *http.Client) *Service {
	return NewService(NewMemoryRepo(), client, zerolog.Nop())
}

func lab(baseURL string) *System {
	return &System{
		Name:       "city-lab",
		Kind:       KindLaboratory,
		BaseURL:    baseURL,
		AuthScheme: AuthNone,
		Active:     true,
	}
}

func TestService_SyncKeepsRuntimeState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := newTestService(srv.Client())
	ctx := context.Background()
	if err := svc.Sync(ctx, []*System{lab(srv.URL)}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := svc.Probe(ctx, "city-lab"); err != nil {
		t.Fatalf("probe: %v", err)
	}

	redefined := lab(srv.URL)
	redefined.ProtocolVersion = "2.8"
	if err := svc.Sync(ctx, []*System{redefined}); err != nil {
		t.Fatalf("resync: %v", err)
	}

	got, err := svc.Get(ctx, "city-lab")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ProtocolVersion != "2.8" {
		t.Errorf("expected definition update, got version %q", got.ProtocolVersion)
	}
	if got.Connectivity != ConnConnected || got.LastConnectedAt == nil {
		t.Errorf("expected connectivity to survive resync, got %s", got.Connectivity)
	}
}

func TestService_Probe(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   Connectivity
	}{
		{"ok", http.StatusOK, ConnConnected},
		{"server error", http.StatusServiceUnavailable, ConnError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var path string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				path = r.URL.Path
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			svc := newTestService(srv.Client())
			ctx := context.Background()
			svc.Sync(ctx, []*System{lab(srv.URL + "/fhir")})
			got, err := svc.Probe(ctx, "city-lab")
			if err != nil {
				t.Fatalf("probe: %v", err)
			}
			if got.Connectivity != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got.Connectivity)
			}
			if path != "/fhir/metadata" {
				t.Errorf("expected probe of /fhir/metadata, got %s", path)
			}
		})
	}
}

func TestService_ProbeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	svc := newTestService(nil)
	ctx := context.Background()
	svc.Sync(ctx, []*System{lab(url)})
	got, err := svc.Probe(ctx, "city-lab")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if got.Connectivity != ConnDisconnected {
		t.Errorf("expected disconnected, got %s", got.Connectivity)
	}
}

func TestService_Deactivate(t *testing.T) {
	svc := newTestService(nil)
	ctx := context.Background()
	svc.Sync(ctx, []*System{lab("https://lab.example.org/fhir")})

	got, err := svc.Deactivate(ctx, "city-lab")
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if got.Active {
		t.Error("expected inactive system")
	}
	if _, err := svc.Active(ctx, "city-lab"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected inactive system to be unavailable, got %v", err)
	}
	if _, err := svc.Deactivate(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAuthorize(t *testing.T) {
	t.Setenv("LAB_TOKEN", "s3cret")

	req, _ := http.NewRequest(http.MethodGet, "https://lab.example.org", nil)
	sys := &System{Name: "lab", AuthScheme: AuthBearer, CredentialRef: "env:LAB_TOKEN"}
	if err := Authorize(req, sys); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer s3cret" {
		t.Errorf("unexpected Authorization header %q", got)
	}

	dir := t.TempDir()
	keyFile := filepath.Join(dir, "key")
	os.WriteFile(keyFile, []byte("k-123\n"), 0o600)
	req, _ = http.NewRequest(http.MethodGet, "https://pharmacy.example.org", nil)
	sys = &System{Name: "rx", AuthScheme: AuthAPIKey, CredentialRef: "file:" + keyFile}
	if err := Authorize(req, sys); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if got := req.Header.Get("X-API-Key"); got != "k-123" {
		t.Errorf("unexpected X-API-Key header %q", got)
	}

	sys = &System{Name: "rx", AuthScheme: AuthBearer, CredentialRef: "env:UNSET_TOKEN_VAR"}
	if err := Authorize(req, sys); err == nil {
		t.Error("expected error for unset credential variable")
	}
}

func TestRedactRef(t *testing.T) {
	if got := RedactRef("env:LAB_TOKEN"); got != "env:***" {
		t.Errorf("RedactRef() = %q", got)
	}
	if got := RedactRef("plaintext"); got != "***" {
		t.Errorf("RedactRef() = %q", got)
	}
}

func TestSystem_Delimiters(t *testing.T) {
	s := &System{FieldSep: "#", SegmentTerm: "\n"}
	d := s.Delimiters()
	if d.Field != '#' || d.Component != '^' || d.Segment != "\n" {
		t.Errorf("unexpected delimiters %+v", d)
	}
}
