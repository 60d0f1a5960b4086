package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrUnknownScanner = errors.New("unknown scanner")

// Service runs every configured scanner concurrently.
type Service struct {
	scanners map[string]*Scanner
	log      zerolog.Logger
}

func NewService(log zerolog.Logger, scanners ...*Scanner) (*Service, error) {
	s := &Service{
		scanners: make(map[string]*Scanner, len(scanners)),
		log:      log.With().Str("component", "scheduler").Logger(),
	}
	for _, sc := range scanners {
		if _, dup := s.scanners[sc.Name()]; dup {
			return nil, fmt.Errorf("duplicate scanner %q", sc.Name())
		}
		s.scanners[sc.Name()] = sc
	}
	return s, nil
}

// Start blocks until ctx is cancelled and all scanners have returned.
func (s *Service) Start(ctx context.Context) {
	s.log.Info().Strs("scanners", s.Names()).Msg("schedule service started")

	var wg sync.WaitGroup
	for _, sc := range s.scanners {
		wg.Add(1)
		go func(sc *Scanner) {
			defer wg.Done()
			sc.Run(ctx)
		}(sc)
	}
	wg.Wait()

	s.log.Info().Msg("schedule service stopped")
}

// RunNow runs one pass of the named scanner as if its window fired now.
func (s *Service) RunNow(ctx context.Context, name string) (PassResult, error) {
	sc, ok := s.scanners[name]
	if !ok {
		return PassResult{}, fmt.Errorf("%w: %q", ErrUnknownScanner, name)
	}
	s.log.Info().Str("scanner", name).Msg("manual scan requested")
	return sc.RunOnce(ctx, sc.now())
}

func (s *Service) Names() []string {
	names := make([]string, 0, len(s.scanners))
	for n := range s.scanners {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type ScannerInfo struct {
	Name    string    `json:"name"`
	Kind    string    `json:"kind"`
	Mode    Mode      `json:"mode"`
	NextRun time.Time `json:"next_run"`
}

func (s *Service) Describe() []ScannerInfo {
	out := make([]ScannerInfo, 0, len(s.scanners))
	for _, n := range s.Names() {
		sc := s.scanners[n]
		out = append(out, ScannerInfo{
			Name:    n,
			Kind:    string(sc.cfg.Kind),
			Mode:    sc.cfg.Mode,
			NextRun: sc.NextRun(),
		})
	}
	return out
}
