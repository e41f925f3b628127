package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle position of an engine: installed, then activated
type State int32

const (
	StateInstalled State = iota
	StateActivated
)

func (s State) String() string {
	if s == StateActivated {
		return "activated"
	}
	return "installed"
}

// Host is the runtime that delivers requests to engines
type Host interface {
	// SkipWaiting asks the host to activate e without waiting for the current engine to go idle
	SkipWaiting(ctx context.Context, e *Engine) error
	// Claim routes every client to e, without waiting for clients to reconnect
	Claim(ctx context.Context, e *Engine) error
}

type noopHost struct{}

func (noopHost) SkipWaiting(context.Context, *Engine) error { return nil }
func (noopHost) Claim(context.Context, *Engine) error       { return nil }

// State returns the current lifecycle state
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Install asks the host for immediate activation. Nothing is written to storage.
func (e *Engine) Install(ctx context.Context) error {
	logrus.Infof("Installing policy engine (generations %s, %s)", e.cfg.Versions.Primary, e.cfg.Versions.Static)
	e.state.Store(int32(StateInstalled))

	if err := e.cfg.Host.SkipWaiting(ctx, e); err != nil {
		return fmt.Errorf("skip waiting: %w", err)
	}
	return nil
}

// Activate deletes every generation that is not current, then claims the clients.
// Cleanup is best effort: failures are logged and never stop the other deletions
// or the claim. It returns the names of the deleted generations.
func (e *Engine) Activate(ctx context.Context) ([]string, error) {
	deleted := e.cleanup(ctx)
	e.state.Store(int32(StateActivated))
	logrus.Infof("Policy engine activated (%d stale generations removed)", len(deleted))

	if err := e.cfg.Host.Claim(ctx, e); err != nil {
		return deleted, fmt.Errorf("claim clients: %w", err)
	}
	return deleted, nil
}

func (e *Engine) isCurrent(name string) bool {
	return name == e.cfg.Versions.Primary || name == e.cfg.Versions.Static
}

func (e *Engine) cleanup(ctx context.Context) []string {
	names, err := e.storage.Names(ctx)
	if err != nil {
		e.cfg.Metrics.cleanupFailed()
		logrus.Warnf("Failed to list cache generations, skipping cleanup: %v", err)
		return nil
	}

	var (
		g       errgroup.Group
		mu      sync.Mutex
		deleted []string
	)
	for _, name := range names {
		if e.isCurrent(name) {
			continue
		}
		g.Go(func() error {
			ok, err := e.storage.Delete(ctx, name)
			if err != nil {
				e.cfg.Metrics.cleanupFailed()
				logrus.Warnf("Failed to delete stale generation %s: %v", name, err)
				return nil
			}
			if !ok {
				return nil
			}
			e.cfg.Metrics.generationDeleted()
			logrus.Infof("Deleted stale generation %s", name)

			mu.Lock()
			deleted = append(deleted, name)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(deleted)
	return deleted
}
