package reference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"flightwatch/internal/storage"
	logx "flightwatch/pkg/logx"
)

const (
	DatasetAirports = "airports"
	DatasetModels   = "models"
	DatasetAll      = "all"
)

// Store is the persistence the service needs.
type Store interface {
	Airports(ctx context.Context) ([]storage.AirportRow, error)
	Models(ctx context.Context) ([]storage.ModelRow, error)
	ReplaceAirports(ctx context.Context, rows []storage.AirportRow, updatedAt string) error
	ReplaceModels(ctx context.Context, rows []storage.ModelRow, updatedAt string) error
}

type Config struct {
	BaseURL       string
	ClientVersion string
	Timeout       time.Duration
}

// Result summarizes one dataset refresh.
type Result struct {
	Dataset   string
	Rows      int
	UpdatedAt string
	FetchedAt time.Time
	Diff      Diff
}

type Service struct {
	cfg   Config
	cache *Cache
	store Store
	http  *http.Client
	log   logx.Logger

	// serializes refreshes
	mu sync.Mutex
}

func NewService(cfg Config, store Store, log logx.Logger) *Service {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		cache: NewCache(),
		store: store,
		http:  &http.Client{Timeout: cfg.Timeout},
		log:   log,
	}
}

func (s *Service) Cache() *Cache { return s.cache }

// LoadFromStore fills the cache from persisted rows.
func (s *Service) LoadFromStore(ctx context.Context) (airports, models int, err error) {
	ar, err := s.store.Airports(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("load airports: %w", err)
	}
	mr, err := s.store.Models(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("load models: %w", err)
	}
	s.cache.SetAirports(ar)
	s.cache.SetModels(mr)
	return len(ar), len(mr), nil
}

// Refresh downloads dataset (airports, models or all), persists it and
// swaps the cache.
func (s *Service) Refresh(ctx context.Context, dataset string) ([]Result, error) {
	var targets []string
	switch strings.ToLower(strings.TrimSpace(dataset)) {
	case DatasetAirports:
		targets = []string{DatasetAirports}
	case DatasetModels:
		targets = []string{DatasetModels}
	case DatasetAll, "":
		targets = []string{DatasetAirports, DatasetModels}
	default:
		return nil, fmt.Errorf("dataset must be airports, models or all")
	}
	if s.cfg.BaseURL == "" {
		return nil, errors.New("reference base url is not configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Result
	for _, t := range targets {
		r, err := s.refreshOne(ctx, t)
		if err != nil {
			return out, err
		}
		s.log.Info("reference refreshed",
			logx.String("dataset", t),
			logx.Int("rows", r.Rows),
			logx.Int("added", len(r.Diff.Added)),
			logx.Int("removed", len(r.Diff.Removed)),
			logx.Int("updated", len(r.Diff.Updated)))
		out = append(out, r)
	}
	return out, nil
}

func (s *Service) refreshOne(ctx context.Context, dataset string) (Result, error) {
	payload, err := s.fetch(ctx, dataset)
	if err != nil {
		return Result{}, err
	}
	res := Result{Dataset: dataset, UpdatedAt: payload.UpdatedAt, FetchedAt: time.Now().UTC()}

	switch dataset {
	case DatasetAirports:
		rows := ParseAirports(payload)
		old, err := s.store.Airports(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("load airports: %w", err)
		}
		if err := s.store.ReplaceAirports(ctx, rows, payload.UpdatedAt); err != nil {
			return Result{}, fmt.Errorf("store airports: %w", err)
		}
		s.cache.SetAirports(rows)
		res.Rows = len(rows)
		res.Diff = DiffAirports(old, rows)
	case DatasetModels:
		rows := ParseModels(payload)
		old, err := s.store.Models(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("load models: %w", err)
		}
		if err := s.store.ReplaceModels(ctx, rows, payload.UpdatedAt); err != nil {
			return Result{}, fmt.Errorf("store models: %w", err)
		}
		s.cache.SetModels(rows)
		res.Rows = len(rows)
		res.Diff = DiffModels(old, rows)
	}
	return res, nil
}

func (s *Service) fetch(ctx context.Context, dataset string) (Payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/"+dataset, nil)
	if err != nil {
		return Payload{}, err
	}
	req.Header.Set("Accept", "application/json")
	if s.cfg.ClientVersion != "" {
		req.Header.Set("x-client-version", s.cfg.ClientVersion)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return Payload{}, fmt.Errorf("fetch %s: %w", dataset, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return Payload{}, fmt.Errorf("read %s: %w", dataset, err)
	}
	if resp.StatusCode/100 != 2 {
		return Payload{}, fmt.Errorf("fetch %s: status %d", dataset, resp.StatusCode)
	}
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, fmt.Errorf("decode %s: %w", dataset, err)
	}
	return p, nil
}
