package remock

import (
	"errors"
	"log/slog"

	"github.com/dop251/goja"
	"github.com/joeycumines/remock/internal/snapshot"
)

// State is the lifecycle position of a scope.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateRunning
	StateRestored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateRunning:
		return "running"
	case StateRestored:
		return "restored"
	default:
		return "unknown"
	}
}

// scope is one arm, run, restore cycle.
type scope struct {
	state   State
	runtime *goja.Runtime
	cache   *snapshot.ModuleCache
	objects []*snapshot.Properties
	logger  *slog.Logger
}

// arm captures everything cfg protects and installs its substitutes. On
// failure, including a script exception thrown while capturing, whatever
// was already captured is restored before returning.
func (r *Runner) arm(cfg *Config) (*scope, error) {
	store := r.requirer.Cache()
	if store == nil {
		return nil, errors.New("remock: module cache is unavailable")
	}

	s := &scope{state: StateIdle, runtime: r.runtime, logger: r.logger}
	if err := r.guard(func() error { return r.capture(s, store, cfg) }); err != nil {
		return nil, s.rollback(err)
	}

	s.state = StateArmed
	s.logger.Debug("remock scope armed",
		slog.Int("cacheEntries", s.cache.Len()),
		slog.Int("objects", len(s.objects)),
	)
	return s, nil
}

func (r *Runner) capture(s *scope, store *goja.Object, cfg *Config) error {
	s.cache = snapshot.CaptureModuleCache(store)
	if err := snapshot.ClearModuleCache(store); err != nil {
		return err
	}

	extra := cfg.objects()
	targets := make([]*goja.Object, 0, len(extra)+1)
	targets = append(append(targets, extra...), r.runtime.GlobalObject())
	for _, obj := range targets {
		p, err := snapshot.CaptureProperties(r.reflector, obj)
		if err != nil {
			return err
		}
		s.objects = append(s.objects, p)
	}

	return snapshot.Populate(store, cfg.substitutes(r.runtime), r.requirer)
}

func (s *scope) rollback(cause error) error {
	if err := s.restore(); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// restore reverts the module cache, then each object in capture order. Only
// the first call has any effect.
func (s *scope) restore() error {
	if s.state == StateRestored {
		return nil
	}
	s.state = StateRestored

	var errs []error
	if s.cache != nil {
		errs = append(errs, guard(s.runtime, s.cache.Restore))
	}
	for _, p := range s.objects {
		errs = append(errs, guard(s.runtime, p.Restore))
	}
	err := errors.Join(errs...)
	if err != nil {
		s.logger.Debug("remock scope restored with errors", slog.Any("error", err))
	} else {
		s.logger.Debug("remock scope restored")
	}
	return err
}
