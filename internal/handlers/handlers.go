// Package handlers registers the first-class event handlers: task lifecycle,
// system/cluster operations, and the hook validators.
package handlers

import (
	"github.com/fblgit/claudebench/internal/audit"
	"github.com/fblgit/claudebench/internal/bus"
	"github.com/fblgit/claudebench/internal/coord"
	"github.com/fblgit/claudebench/internal/instance"
	"github.com/fblgit/claudebench/internal/metrics"
	"github.com/fblgit/claudebench/internal/persist"
	"github.com/fblgit/claudebench/internal/queue"
	"github.com/fblgit/claudebench/internal/registry"
	"github.com/fblgit/claudebench/internal/store"
)

// Deps carries the services handlers close over.
type Deps struct {
	Store     store.Store
	Bus       *bus.Bus
	Queue     *queue.Service
	Instances *instance.Manager
	Coord     *coord.Service
	Auditor   *audit.Auditor
	Metrics   *metrics.Metrics
	Sink      *persist.Sink

	// Policy decides hook.* requests. Nil means allow everything.
	Policy Policy
}

// RegisterAll installs every handler on the registry.
func RegisterAll(reg *registry.Registry, deps Deps) error {
	groups := [][]func(*registry.Registry, Deps) error{
		taskHandlers(),
		systemHandlers(),
		hookHandlers(),
	}
	for _, group := range groups {
		for _, install := range group {
			if err := install(reg, deps); err != nil {
				return err
			}
		}
	}
	return nil
}
