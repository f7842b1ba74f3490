package system

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/platform/hl7v2"
)

type Service struct {
	repo   Repository
	client *http.Client
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, client *http.Client, logger zerolog.Logger) *Service {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Service{
		repo:   repo,
		client: client,
		logger: logger.With().Str("component", "systems").Logger(),
		now:    time.Now,
	}
}

// Sync stores every definition. Systems missing from defs are left as they
// are; removal from configuration is expressed by active: false.
func (s *Service) Sync(ctx context.Context, defs []*System) error {
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return err
		}
		if err := s.repo.Upsert(ctx, d); err != nil {
			return err
		}
		s.logger.Info().
			Str("system", d.Name).
			Str("kind", string(d.Kind)).
			Bool("active", d.Active).
			Str("credential", RedactRef(d.CredentialRef)).
			Msg("system synced")
	}
	return nil
}

func (s *Service) Get(ctx context.Context, name string) (*System, error) {
	return s.repo.GetByName(ctx, name)
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*System, error) {
	return s.repo.GetByID(ctx, id)
}

// Active returns the named system if it may exchange data.
func (s *Service) Active(ctx context.Context, name string) (*System, error) {
	sys, err := s.repo.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if !sys.Active {
		return nil, fmt.Errorf("system %s is inactive: %w", name, ErrNotFound)
	}
	return sys, nil
}

func (s *Service) List(ctx context.Context) ([]*System, error) {
	return s.repo.List(ctx)
}

// Delimiters satisfies hl7v2.DelimiterLookup.
func (s *Service) Delimiters(ctx context.Context, name string) (hl7v2.Delimiters, error) {
	sys, err := s.repo.GetByName(ctx, name)
	if err != nil {
		return hl7v2.Delimiters{}, err
	}
	return sys.Delimiters(), nil
}

func (s *Service) Deactivate(ctx context.Context, name string) (*System, error) {
	sys, err := s.repo.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Deactivate(ctx, sys.ID); err != nil {
		return nil, err
	}
	s.logger.Warn().Str("system", name).Msg("system deactivated")
	return s.repo.GetByID(ctx, sys.ID)
}

// Probe checks reachability with GET <base>/metadata and records the
// resulting connectivity state.
func (s *Service) Probe(ctx context.Context, name string) (*System, error) {
	sys, err := s.repo.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if sys.BaseURL == "" {
		return nil, fmt.Errorf("system %s has no base url", name)
	}

	state := s.probe(ctx, sys)
	if err := s.repo.SetConnectivity(ctx, sys.ID, state, s.now().UTC()); err != nil {
		return nil, err
	}
	s.logger.Info().Str("system", name).Str("connectivity", string(state)).Msg("probe finished")
	return s.repo.GetByID(ctx, sys.ID)
}

func (s *Service) probe(ctx context.Context, sys *System) Connectivity {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(sys.BaseURL, "/")+"/metadata", nil)
	if err != nil {
		return ConnError
	}
	req.Header.Set("Accept", "application/fhir+json")
	if err := Authorize(req, sys); err != nil {
		s.logger.Error().Err(err).Str("system", sys.Name).Msg("credential unavailable for probe")
		return ConnError
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return ConnDisconnected
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return ConnConnected
	}
	return ConnError
}

// Authorize adds the system's credential to req.
func Authorize(req *http.Request, sys *System) error {
	switch sys.AuthScheme {
	case AuthNone, "":
		return nil
	case AuthBearer, AuthAPIKey:
		secret, err := ResolveCredential(sys.CredentialRef)
		if err != nil {
			return err
		}
		if sys.AuthScheme == AuthBearer {
			req.Header.Set("Authorization", "Bearer "+secret)
		} else {
			req.Header.Set("X-API-Key", secret)
		}
		return nil
	}
	return errors.New("system: unsupported auth scheme " + string(sys.AuthScheme))
}
