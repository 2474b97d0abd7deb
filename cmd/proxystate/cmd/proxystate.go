package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/vsk8s/proxystate/pkg/command"
	"github.com/vsk8s/proxystate/pkg/config"
	"github.com/vsk8s/proxystate/pkg/controller"
	"github.com/vsk8s/proxystate/pkg/haproxy"
	"github.com/vsk8s/proxystate/pkg/kube"
	"github.com/vsk8s/proxystate/pkg/router"
	"github.com/vsk8s/proxystate/pkg/state"
	"github.com/vsk8s/proxystate/pkg/watch"
)

// Version is set at build time
var Version = "v0.1.0"

// Options are the command line flags
type Options struct {
	ConfigFile    string `short:"c" long:"config" description:"Configuration file to use" default:"/etc/proxystate/config.yml"`
	Verbose       bool   `short:"v" long:"verbose" description:"Enable verbose logging"`
	MetricsListen string `long:"metrics-listen" description:"Address to serve Prometheus metrics on, disabled if empty"`
	Dump          bool   `long:"dump" description:"Print the saved snapshot as command lists and exit"`
	Version       bool   `long:"version" description:"Output version info and exit"`
}

// Proxystate main object, just contains command line arguments
type Proxystate struct {
	opts Options
}

// Parse command line flags. Returns false if the program should exit right away.
func (p *Proxystate) setupArgs(args []string) (bool, error) {
	_, err := flags.ParseArgs(&p.opts, args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return false, nil
		}
		return false, err
	}
	if p.opts.Version {
		fmt.Println("proxystate", Version)
		return false, nil
	}
	if p.opts.Verbose {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	return true, nil
}

// Run the application until SIGINT or SIGTERM
func (p *Proxystate) Run(args []string) error {
	proceed, err := p.setupArgs(args)
	if !proceed {
		return err
	}
	if p.opts.Dump {
		return p.dump(os.Stdout)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return p.run(ctx)
}

// Write one line per listener of the snapshot: its name and the JSON command
// list rebuilding it
func (p *Proxystate) dump(w io.Writer) error {
	cfg, err := config.FromFile(p.opts.ConfigFile)
	if err != nil {
		return errors.Wrapf(err, "couldn't load config file %s", p.opts.ConfigFile)
	}
	states, err := state.ReadSnapshotFile(cfg.SnapshotPath)
	if err != nil {
		return errors.Wrap(err, "couldn't read snapshot")
	}
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := command.MarshalList(states[name].GenerateCommands())
		if err != nil {
			return errors.Wrapf(err, "listener %s", name)
		}
		if _, err := fmt.Fprintf(w, "%s %s\n", name, data); err != nil {
			return err
		}
	}
	return nil
}

func (p *Proxystate) run(ctx context.Context) error {
	cfg, err := config.FromFile(p.opts.ConfigFile)
	if err != nil {
		return errors.Wrapf(err, "couldn't load config file %s", p.opts.ConfigFile)
	}
	log.Debug("Config loaded")

	registry := prometheus.NewRegistry()
	r := router.New(router.WithRegisterer(registry))
	r.Start()
	defer r.Stop()

	handler, err := haproxy.NewHandler(cfg.HAProxy)
	if err != nil {
		return errors.Wrap(err, "couldn't init haproxy handler")
	}
	if err := r.AttachSink(ctx, handler); err != nil {
		return err
	}
	log.Debug("HAProxy handler loaded")

	ctrl := controller.New(r, p.opts.ConfigFile)
	if err := ctrl.Restore(ctx, cfg.SnapshotPath); err != nil {
		log.WithError(err).Warn("Couldn't restore snapshot, starting empty")
	}
	if err := ctrl.Reconcile(ctx); err != nil {
		return err
	}

	clusterStates := make(chan state.ClusterState)
	for _, clusterCfg := range cfg.Clusters {
		log.WithField("cluster", clusterCfg.Name).Debug("Starting cluster handler")
		cluster := kube.ClusterFromConfig(clusterCfg, clusterStates)
		cluster.Start()
		defer cluster.Stop()
	}
	log.Debug("All cluster handlers loaded")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go ctrl.Run(runCtx, clusterStates)

	watcher, err := watch.NewFileWatcher(p.opts.ConfigFile, watch.DefaultDebounce)
	if err != nil {
		return err
	}
	go func() {
		err := watcher.Watch(runCtx, func() error {
			return ctrl.Reconcile(runCtx)
		})
		if err != nil {
			log.WithError(err).Error("Config watcher failed")
		}
	}()
	defer watcher.Stop()

	if p.opts.MetricsListen != "" {
		server := &http.Server{
			Addr:    p.opts.MetricsListen,
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
		defer server.Close()
	}

	log.WithField("version", Version).Info("proxystate running")
	// Block until exit
	<-ctx.Done()
	log.Info("Shutting down")

	cancel()
	persistCtx, persistCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer persistCancel()
	if err := ctrl.Persist(persistCtx); err != nil {
		log.WithError(err).Error("Couldn't persist snapshot")
	}
	return nil
}
