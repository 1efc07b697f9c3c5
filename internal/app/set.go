package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/reload"
)

// Set is the group of applications defined by one config file.
type Set struct {
	apps []*App
}

// NewSet builds an App for every application in f. Nothing is started.
func NewSet(f *config.File, reg *reload.Registry, logger *slog.Logger) (*Set, error) {
	s := &Set{}
	for _, cfg := range f.Apps {
		a, err := New(cfg, f.View(cfg), reg, logger)
		if err != nil {
			return nil, err
		}
		s.apps = append(s.apps, a)
	}
	return s, nil
}

// Apps returns the applications in config order.
func (s *Set) Apps() []*App { return s.apps }

// Get returns the application named name.
func (s *Set) Get(name string) (*App, bool) {
	for _, a := range s.apps {
		if a.name == name {
			return a, true
		}
	}
	return nil, false
}

// Start starts every application in order. If one fails, those already
// started are stopped and the error is returned.
func (s *Set) Start(ctx context.Context) error {
	for i, a := range s.apps {
		if err := a.Start(ctx); err != nil {
			for _, started := range s.apps[:i] {
				started.Stop(ctx)
			}
			return fmt.Errorf("start %s: %w", a.name, err)
		}
	}
	return nil
}

// Stop stops every started application in reverse order.
func (s *Set) Stop(ctx context.Context) error {
	var errs []error
	for i := len(s.apps) - 1; i >= 0; i-- {
		a := s.apps[i]
		if err := a.Stop(ctx); err != nil && !errors.Is(err, reload.ErrInvalidTransition) {
			errs = append(errs, fmt.Errorf("stop %s: %w", a.name, err))
		}
	}
	return errors.Join(errs...)
}

// Infos returns the state of every application.
func (s *Set) Infos() []Info {
	infos := make([]Info, 0, len(s.apps))
	for _, a := range s.apps {
		infos = append(infos, a.Info())
	}
	return infos
}
