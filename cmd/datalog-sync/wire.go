package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/yuya-takeyama/datalog-sync/internal/card"
	"github.com/yuya-takeyama/datalog-sync/internal/checksum"
	"github.com/yuya-takeyama/datalog-sync/internal/config"
	"github.com/yuya-takeyama/datalog-sync/internal/logging"
	"github.com/yuya-takeyama/datalog-sync/internal/scanner"
	"github.com/yuya-takeyama/datalog-sync/internal/state"
	"github.com/yuya-takeyama/datalog-sync/internal/syncer"
	"github.com/yuya-takeyama/datalog-sync/internal/transfer"
	"github.com/yuya-takeyama/datalog-sync/internal/transfer/dir"
	"github.com/yuya-takeyama/datalog-sync/internal/transfer/gcs"
	"github.com/yuya-takeyama/datalog-sync/internal/transfer/minio"
	"github.com/yuya-takeyama/datalog-sync/internal/transfer/s3"
)

type app struct {
	cfg      *config.Config
	log      *logging.Logger
	gate     *card.Gate
	store    *state.Store
	syncer   *syncer.Syncer
	interval time.Duration
}

func newRegistry() *transfer.Registry {
	r := transfer.NewRegistry()
	r.Register("s3", s3.Factory)
	r.Register("gcs", gcs.Factory)
	r.Register("minio", minio.Factory)
	// an SMB share is mounted on the host and written like any directory
	r.Register("dir", dir.Factory)
	r.Register("smb", dir.Factory)
	return r
}

// loadConfig applies flag overrides on top of the config file
func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, err
	}

	if opts.cardRoot != "" {
		cfg.CardRoot = opts.cardRoot
	}
	if opts.endpoint != "" {
		cfg.Endpoint = opts.endpoint
	}
	if opts.endpointType != "" {
		cfg.EndpointType = opts.endpointType
	}
	if opts.region != "" {
		cfg.EndpointRegion = opts.region
	}
	if len(opts.excludes) > 0 {
		cfg.Exclude = opts.excludes
	}
	return cfg, nil
}

func newLogger(opts *rootOptions, cfg *config.Config) (*logging.Logger, error) {
	log := logging.NewLogger(opts.quiet, opts.debug)
	if opts.quiet || opts.debug || cfg.LogLevel == "" {
		return log, nil
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)
	return log, nil
}

// busyFileArbiter hands the card over only while path does not exist
func busyFileArbiter(path string) card.Arbiter {
	return card.ArbiterFunc(func(context.Context) (bool, error) {
		_, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("check busy file: %w", err)
		}
		return false, nil
	})
}

// newLocalApp opens the card and its state without an endpoint
func newLocalApp(opts *rootOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	log, err := newLogger(opts, cfg)
	if err != nil {
		return nil, err
	}

	hasher, err := checksum.New(checksum.Algorithm(cfg.Checksum))
	if err != nil {
		return nil, err
	}

	var arbiter card.Arbiter = card.AlwaysFree
	if opts.busyFile != "" {
		arbiter = busyFileArbiter(opts.busyFile)
	}
	gate := card.NewGate(card.NewOS(cfg.CardRoot), arbiter)

	store := state.NewStore(gate,
		state.WithPath(cfg.StateFile),
		state.WithHasher(hasher),
		state.WithLogger(log),
	)

	return &app{cfg: cfg, log: log, gate: gate, store: store}, nil
}

// newApp builds everything a sync pass needs
func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	a, err := newLocalApp(opts)
	if err != nil {
		return nil, err
	}
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}

	a.interval = a.cfg.EffectiveInterval()
	if opts.interval > 0 {
		a.interval = opts.interval
	}

	ep := transfer.Endpoint{
		Type:        a.cfg.EndpointType,
		URL:         a.cfg.Endpoint,
		User:        a.cfg.EndpointUser,
		Password:    a.cfg.EndpointPass,
		Region:      a.cfg.EndpointRegion,
		Credentials: a.cfg.EndpointCredentials,
	}
	t, err := newRegistry().Build(ctx, ep, a.gate, a.log)
	if err != nil {
		return nil, err
	}

	sc, err := scanner.New(a.gate, a.cfg.Exclude, a.log)
	if err != nil {
		return nil, err
	}

	a.syncer = syncer.New(a.store, sc, t,
		syncer.WithLogger(a.log),
		syncer.WithDatalogDir(a.cfg.DatalogDir),
		syncer.WithRootFiles(a.cfg.RootFiles),
	)
	return a, nil
}

// acquire takes the card for a one-off command
func (a *app) acquire(ctx context.Context) (func(), error) {
	ok, err := a.gate.TryAcquire(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("card is in use by the appliance")
	}
	return a.gate.Release, nil
}
