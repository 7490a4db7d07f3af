package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/switchyard/pkg/backup"
	"github.com/cuemby/switchyard/pkg/config"
	"github.com/cuemby/switchyard/pkg/deploy"
	"github.com/cuemby/switchyard/pkg/drill"
	"github.com/cuemby/switchyard/pkg/events"
	"github.com/cuemby/switchyard/pkg/locator"
	"github.com/cuemby/switchyard/pkg/log"
	"github.com/cuemby/switchyard/pkg/metrics"
	"github.com/cuemby/switchyard/pkg/runtime"
	"github.com/cuemby/switchyard/pkg/storage"
	"github.com/cuemby/switchyard/pkg/traffic"
)

// app holds the collaborators shared by commands
type app struct {
	cfg      config.Config
	store    *storage.BoltStore
	rt       runtime.Runtime
	reporter *metrics.Reporter
	events   *events.Broker
	watchers sync.WaitGroup
}

// setup loads configuration, initializes logging and opens the registry.
// The container runtime is connected on first use.
func setup() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})

	store, err := storage.NewBoltStore(cfg.RegistryPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	return &app{
		cfg:      cfg,
		store:    store,
		reporter: metrics.NewReporter(cfg.Metrics.PushURL, cfg.Metrics.Job),
		events:   broker,
	}, nil
}

// watch prints progress events to out until flush
func (a *app) watch(out io.Writer) {
	sub := a.events.Subscribe()
	a.watchers.Add(1)
	go func() {
		defer a.watchers.Done()
		for ev := range sub {
			switch ev.Type {
			case events.EventReleaseFinished, events.EventDrillFinished:
				continue
			}
			fmt.Fprintf(out, "→ %s\n", ev.Message)
		}
	}()
}

// flush delivers pending progress events and waits for watchers
func (a *app) flush() {
	a.events.Stop()
	a.watchers.Wait()
}

func (a *app) Close() error {
	a.flush()
	var errs []error
	if a.rt != nil {
		errs = append(errs, a.rt.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}

func (a *app) runtime() (runtime.Runtime, error) {
	if a.rt != nil {
		return a.rt, nil
	}
	rt, err := runtime.New(runtime.Options{
		Backend:          a.cfg.Runtime,
		DockerHost:       a.cfg.DockerHost,
		ContainerdSocket: a.cfg.ContainerdSocket,
	})
	if err != nil {
		return nil, err
	}
	a.rt = rt
	return rt, nil
}

// trafficSwitch builds the proxy switch for the deployment
func (a *app) trafficSwitch(rt runtime.Runtime) *traffic.Switch {
	d := a.cfg.Deployment
	reloader := traffic.NewExecReloader(rt, d.Proxy.Container, d.Proxy.TestCommand, d.Proxy.ReloadCommand, a.cfg.Proxy.ReloadTimeout)
	verifier := traffic.NewHTTPVerifier(d.Proxy.PublicURL, a.cfg.Release.PostSwitchRetries, a.cfg.Health.Interval, a.cfg.Health.Timeout)
	return traffic.NewSwitch(traffic.Options{
		ConfigPath: d.Proxy.ConfigPath,
		BackupDir:  d.Proxy.BackupDir,
		BackupKeep: a.cfg.Proxy.BackupKeep,
		Routes:     deploy.Routes(d),
	}, reloader, verifier)
}

// orchestrator wires the release orchestrator
func (a *app) orchestrator() (*deploy.Orchestrator, error) {
	rt, err := a.runtime()
	if err != nil {
		return nil, err
	}
	d := a.cfg.Deployment
	sw := a.trafficSwitch(rt)

	return deploy.New(deploy.OptionsFromConfig(a.cfg), deploy.Dependencies{
		Store:        a.store,
		Locator:      locator.New(d.App, a.store, rt, sw),
		Environments: deploy.NewEnvironments(rt, d, a.cfg.Release.StopTimeout),
		Probes:       deploy.NewDeploymentProbes(d, rt),
		Switch:       sw,
		Locker:       deploy.NewMutexLocker(d.App, a.cfg.Release.LockTimeout),
		Events:       a.events,
	}), nil
}

// backups connects to the backup bucket
func (a *app) backups(ctx context.Context) (*backup.Locator, error) {
	b := a.cfg.Backup
	if b.Bucket == "" {
		return nil, errors.New("SWITCHYARD_BACKUP_BUCKET is not set")
	}
	store, err := backup.NewS3Store(ctx, backup.S3Options{
		Region:    b.S3Region,
		Endpoint:  b.S3Endpoint,
		AccessKey: b.AccessKey,
		SecretKey: b.SecretKey,
	})
	if err != nil {
		return nil, err
	}
	return backup.NewLocator(store, b.Bucket, b.Prefix), nil
}

// drillRunner wires the restore drill
func (a *app) drillRunner(ctx context.Context) (*drill.Runner, error) {
	backups, err := a.backups(ctx)
	if err != nil {
		return nil, err
	}
	rt, err := a.runtime()
	if err != nil {
		return nil, err
	}
	c := a.cfg.Drill
	provisioner := drill.NewPostgresProvisioner(rt, drill.PostgresOptions{
		Image:        c.Image,
		Database:     c.Database,
		ReadyRetries: c.ReadyRetries,
		ReadyDelay:   c.ReadyDelay,
		WorkDir:      c.WorkDir,
	})
	return drill.NewRunner(drill.Options{
		RTOTarget:    c.RTOTarget,
		RPOTarget:    c.RPOTarget,
		SanityTables: c.SanityTables,
		WorkDir:      c.WorkDir,
	}, backups, provisioner, a.reporter, a.store).
		WithEvents(a.events).
		WithLocker(deploy.NewDrillLocker(a.cfg.Release.LockTimeout)), nil
}

// withApp runs fn with a fully set up app and closes it afterwards
func withApp(fn func(a *app) error) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Logger.Warn().Err(err).Msg("Failed to close resources")
		}
	}()
	return fn(a)
}
