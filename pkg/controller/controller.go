/*
Package controller drives the router towards the configured state. It folds
the static listener configuration and the routing published by every cluster
into desired listener states and reloads the router with them whenever one of
the inputs changes.
*/
package controller

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vsk8s/proxystate/pkg/config"
	"github.com/vsk8s/proxystate/pkg/router"
	"github.com/vsk8s/proxystate/pkg/state"
)

// Controller reconciles a router with a config file and cluster states
type Controller struct {
	// Router holding the live state
	router *router.Router
	// Config file read on every reconciliation
	configPath string
	// Fingerprints configured certificates
	fingerprint state.Fingerprinter
	// Serializes reconciliation passes
	mu sync.Mutex
	// Latest routing state per cluster name
	clusters map[string]state.ClusterState
	// Config used by the last successful pass
	config *config.Config
}

// New creates a controller for r reading its config from configPath
func New(r *router.Router, configPath string) *Controller {
	return &Controller{
		router:      r,
		configPath:  configPath,
		fingerprint: state.SHA256Fingerprint,
		clusters:    map[string]state.ClusterState{},
	}
}

// Config returns the config used by the last successful reconciliation
func (c *Controller) Config() *config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// Restore adds every listener of a snapshot file to the router. A missing
// file restores nothing.
func (c *Controller) Restore(ctx context.Context, path string) error {
	states, err := state.ReadSnapshotFile(path)
	if err != nil {
		return errors.Wrap(err, "couldn't read snapshot")
	}
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := c.router.AddListener(ctx, name, states[name]); err != nil {
			return errors.Wrapf(err, "couldn't restore listener %s", name)
		}
	}
	log.WithFields(log.Fields{
		"path":      path,
		"listeners": len(names),
	}).Info("Restored snapshot")
	return nil
}

// Reconcile re-reads the config and moves every listener to its desired
// state. Listeners no longer configured are removed. On error the router is
// left as it was before the failing step.
func (c *Controller) Reconcile(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconcile(ctx)
}

func (c *Controller) reconcile(ctx context.Context) error {
	logger := log.WithField("reload", uuid.New().String())
	logger.Debug("Reconciling")

	cfg, err := config.FromFile(c.configPath)
	if err != nil {
		return errors.Wrap(err, "couldn't load config")
	}
	desired, err := cfg.Desired(c.clusters, c.fingerprint)
	if err != nil {
		return errors.Wrap(err, "couldn't build desired state")
	}
	existing, err := c.router.Listeners(ctx)
	if err != nil {
		return err
	}
	known := map[string]bool{}
	for _, name := range existing {
		known[name] = true
	}

	names := make([]string, 0, len(desired))
	for name := range desired {
		names = append(names, name)
	}
	sort.Strings(names)
	total := 0
	for _, name := range names {
		listenerLogger := logger.WithField("listener", name)
		if !known[name] {
			if err := c.router.AddListener(ctx, name, desired[name]); err != nil {
				return err
			}
			listenerLogger.Info("Listener created")
			continue
		}
		cmds, err := c.router.Reload(ctx, name, desired[name])
		if err != nil {
			return err
		}
		if len(cmds) > 0 {
			listenerLogger.WithField("commands", len(cmds)).Info("Listener updated")
		}
		total += len(cmds)
	}
	for _, name := range existing {
		if _, ok := desired[name]; ok {
			continue
		}
		if err := c.router.RemoveListener(ctx, name); err != nil {
			return err
		}
		logger.WithField("listener", name).Info("Listener removed")
	}

	c.config = cfg
	logger.WithField("commands", total).Debug("Reconciled")
	return nil
}

// UpdateCluster records the routing published by a cluster and reconciles
func (c *Controller) UpdateCluster(ctx context.Context, cs state.ClusterState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clusters[cs.Name] = cs
	return c.reconcile(ctx)
}

// Persist writes a snapshot of the router to the configured snapshot path
func (c *Controller) Persist(ctx context.Context) error {
	c.mu.Lock()
	cfg := c.config
	c.mu.Unlock()
	if cfg == nil || cfg.SnapshotPath == "" {
		return errors.New("no snapshot path configured")
	}
	states, err := c.router.Snapshot(ctx)
	if err != nil {
		return err
	}
	if err := state.WriteSnapshotFile(cfg.SnapshotPath, states); err != nil {
		return errors.Wrap(err, "couldn't write snapshot")
	}
	log.WithField("path", cfg.SnapshotPath).Debug("Persisted snapshot")
	return nil
}

// Run folds cluster updates into the router until ctx is done
func (c *Controller) Run(ctx context.Context, clusterStates <-chan state.ClusterState) {
	for {
		select {
		case cs := <-clusterStates:
			if err := c.UpdateCluster(ctx, cs); err != nil {
				log.WithField("cluster", cs.Name).WithError(err).Error("Couldn't apply cluster update")
			}
		case <-ctx.Done():
			return
		}
	}
}
