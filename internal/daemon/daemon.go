package daemon

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/pdindex/internal/auth"
	"github.com/Aman-CERP/pdindex/internal/businessinfo"
	"github.com/Aman-CERP/pdindex/internal/clock"
	"github.com/Aman-CERP/pdindex/internal/config"
	pderrors "github.com/Aman-CERP/pdindex/internal/errors"
	"github.com/Aman-CERP/pdindex/internal/indexer"
	"github.com/Aman-CERP/pdindex/internal/journal"
	"github.com/Aman-CERP/pdindex/internal/search"
	"github.com/Aman-CERP/pdindex/internal/server"
	"github.com/Aman-CERP/pdindex/internal/store"
)

// Daemon is one running indexer service.
type Daemon struct {
	cfg        *config.Config
	paths      Config
	logger     *slog.Logger
	clock      clock.Clock
	httpClient *http.Client
	listener   net.Listener

	ready     chan struct{}
	readyOnce sync.Once
	addr      net.Addr
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) {
		d.logger = l
	}
}

// WithClock replaces the clock used by the pipeline and the verifier.
func WithClock(c clock.Clock) Option {
	return func(d *Daemon) {
		d.clock = c
	}
}

// WithHTTPClient replaces the client used to fetch business cards.
func WithHTTPClient(h *http.Client) Option {
	return func(d *Daemon) {
		d.httpClient = h
	}
}

// WithListener serves on l instead of listening on the configured
// address.
func WithListener(l net.Listener) Option {
	return func(d *Daemon) {
		d.listener = l
	}
}

// New validates cfg and prepares a daemon. Nothing is opened until Run.
func New(cfg *config.Config, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, pderrors.ConfigError("nil configuration", nil)
	}
	if err := cfg.ValidateServe(); err != nil {
		return nil, err
	}
	paths := ConfigFrom(cfg)
	if err := paths.Validate(); err != nil {
		return nil, pderrors.ConfigError("invalid daemon layout", err)
	}

	d := &Daemon{
		cfg:    cfg,
		paths:  paths,
		logger: slog.Default(),
		clock:  clock.System{},
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Ready is closed once the server is listening.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Addr returns the listening address. Valid after Ready is closed.
func (d *Daemon) Addr() net.Addr {
	return d.addr
}

// Run starts the service and blocks until ctx is cancelled or a
// component fails. Shutdown runs in dependency order: the server stops
// taking requests, the manager drains, its leftovers go to the journal,
// and only then are the stores closed and the lock released.
func (d *Daemon) Run(ctx context.Context) (err error) {
	if err := d.paths.EnsureDir(); err != nil {
		return pderrors.New(pderrors.ErrCodeFileNotFound, "prepare data directory", err)
	}

	lock := NewDirLock(d.paths.LockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return pderrors.New(pderrors.ErrCodeDataDirLocked, "lock data directory", err)
	}
	if !ok {
		e := pderrors.New(pderrors.ErrCodeDataDirLocked, "data directory is in use by another pdindex process", nil).
			WithDetail("data_dir", d.paths.DataDir)
		if pid, live := NewOwnerFile(d.paths.PIDPath).Live(); live {
			e = e.WithDetail("pid", fmt.Sprint(pid))
		}
		return e
	}
	defer func() {
		if uerr := lock.Unlock(); uerr != nil {
			d.logger.Warn("failed to release data directory lock", slog.String("error", uerr.Error()))
		}
	}()

	owner := NewOwnerFile(d.paths.PIDPath)
	if err := owner.Claim(); err != nil {
		return err
	}
	defer func() {
		if rerr := owner.Release(); rerr != nil {
			d.logger.Warn("failed to release owner file", slog.String("error", rerr.Error()))
		}
	}()

	docs, err := store.Open(d.paths.IndexPath, store.WithLogger(d.logger))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := docs.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	jrnl, err := journal.Open(d.paths.JournalPath, journal.WithLogger(d.logger))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := jrnl.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	// Everything that can fail on a bad configuration runs before the
	// journal snapshot is taken, so a failed start leaves it in place.
	verifier, allowlist, tlsConfig, err := d.security()
	if err != nil {
		return err
	}

	engine, err := search.NewEngine(docs, search.WithLogger(d.logger))
	if err != nil {
		return err
	}

	l := d.listener
	if l == nil {
		l, err = net.Listen("tcp", d.cfg.Server.Addr)
		if err != nil {
			return pderrors.NetworkError("listen on "+d.cfg.Server.Addr, err)
		}
	}

	manager, err := d.newManager(ctx, docs, jrnl)
	if err != nil {
		_ = l.Close()
		return err
	}

	srv := server.New(server.Config{
		Addr:            d.cfg.Server.Addr,
		TLS:             tlsConfig,
		RateLimitRPS:    d.cfg.Server.RateLimitRPS,
		RateLimitBurst:  d.cfg.Server.RateLimitBurst,
		ShutdownTimeout: d.paths.ShutdownGracePeriod,
	}, manager, docs, verifier, server.WithSearcher(engine), server.WithLogger(d.logger))

	d.addr = l.Addr()
	d.readyOnce.Do(func() { close(d.ready) })

	d.logger.Info("pdindex started",
		slog.String("addr", l.Addr().String()),
		slog.String("data_dir", d.paths.DataDir),
		slog.Int("pid", os.Getpid()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx, l) })
	g.Go(func() error { return manager.Run(gctx) })
	if allowlist != nil {
		g.Go(func() error { return allowlist.Watch(gctx) })
	}
	runErr := g.Wait()

	left := manager.Stop()
	if serr := d.persist(left, jrnl); serr != nil {
		runErr = errors.Join(runErr, serr)
	}

	d.logger.Info("pdindex stopped")
	return runErr
}

// newManager wires the pipeline and restores the state saved by the
// previous run.
func (d *Daemon) newManager(ctx context.Context, docs *store.Store, jrnl *journal.Journal) (*indexer.Manager, error) {
	bi := d.cfg.BusinessInfo
	retry := pderrors.DefaultRetryConfig()
	retry.MaxRetries = bi.Retries

	var clientOpts []businessinfo.Option
	clientOpts = append(clientOpts, businessinfo.WithLogger(d.logger))
	if d.httpClient != nil {
		clientOpts = append(clientOpts, businessinfo.WithHTTPClient(d.httpClient))
	}
	provider, err := businessinfo.New(businessinfo.Config{
		BaseURL:      bi.BaseURL,
		Timeout:      bi.TimeoutDuration(),
		MaxFailures:  bi.MaxFailures,
		ResetTimeout: bi.ResetTimeoutDuration(),
		Retry:        retry,
	}, clientOpts...)
	if err != nil {
		return nil, err
	}

	ic := d.cfg.Indexer
	manager := indexer.NewManager(
		indexer.NewIndexPerformer(provider, docs, d.logger),
		indexer.WithClock(d.clock),
		indexer.WithRetryPolicy(indexer.RetryPolicy{
			Interval:    ic.RetryInterval(),
			MaxDuration: ic.MaxRetryDuration(),
		}),
		indexer.WithSweepInterval(ic.SweepEvery()),
		indexer.WithPerformTimeout(ic.PerformTimeoutDuration()),
		indexer.WithDeadLetterSink(jrnl),
		indexer.WithLogger(d.logger),
	)

	dead, err := jrnl.DeadItems(ctx)
	if err != nil {
		manager.Stop()
		return nil, err
	}
	pending, reindex, err := jrnl.TakeSnapshot(ctx)
	if err != nil {
		manager.Stop()
		return nil, err
	}
	if err := manager.Restore(pending, reindex, dead); err != nil {
		manager.Stop()
		// The snapshot was cleared when it was taken; put it back.
		saved := make([]indexer.ReIndexItem, 0, len(reindex))
		for _, r := range reindex {
			saved = append(saved, *r)
		}
		if serr := jrnl.SaveSnapshot(context.WithoutCancel(ctx), pending, saved); serr != nil {
			err = errors.Join(err, serr)
		}
		return nil, err
	}
	if len(pending)+len(reindex) > 0 {
		d.logger.Info("pipeline state restored",
			slog.Int("pending", len(pending)),
			slog.Int("reindex", len(reindex)),
			slog.Int("dead", len(dead)))
	}
	return manager, nil
}

// persist saves what the manager handed back. Dead items were recorded
// as they expired; they are written again in case a sink call failed.
func (d *Daemon) persist(left indexer.Leftovers, jrnl *journal.Journal) error {
	// The run context is already done here.
	ctx := context.Background()

	var errs []error
	if err := jrnl.SaveSnapshot(ctx, left.Pending, left.ReIndex); err != nil {
		errs = append(errs, err)
	}
	for _, dead := range left.Dead {
		if err := jrnl.RecordDead(ctx, dead); err != nil {
			errs = append(errs, err)
			break
		}
	}
	if len(left.Pending)+len(left.ReIndex) > 0 {
		d.logger.Info("pipeline state saved",
			slog.Int("pending", len(left.Pending)),
			slog.Int("reindex", len(left.ReIndex)))
	}
	return errors.Join(errs...)
}

// security builds the requester verifier and the TLS configuration.
// The allowlist is returned so its watcher can join the run group.
func (d *Daemon) security() (auth.Verifier, *auth.Allowlist, *tls.Config, error) {
	sc := d.cfg.Server

	var tlsConfig *tls.Config
	var roots *x509.CertPool
	if sc.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(sc.TLSCert, sc.TLSKey)
		if err != nil {
			return nil, nil, nil, pderrors.ConfigError("load server certificate", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			ClientAuth:   tls.RequestClientCert,
		}
		if sc.ClientCA != "" {
			pem, err := os.ReadFile(sc.ClientCA)
			if err != nil {
				return nil, nil, nil, pderrors.ConfigError("read client CA", err)
			}
			roots = x509.NewCertPool()
			if !roots.AppendCertsFromPEM(pem) {
				return nil, nil, nil, pderrors.ConfigError("client CA contains no certificates", nil).
					WithDetail("path", sc.ClientCA)
			}
			tlsConfig.ClientCAs = roots
			tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}

	if sc.AllowAnonymous {
		d.logger.Warn("anonymous requests are accepted")
		return auth.AllowAll{}, nil, tlsConfig, nil
	}

	opts := []auth.CertOption{auth.WithClock(d.clock), auth.WithLogger(d.logger)}
	if roots != nil {
		opts = append(opts, auth.WithRoots(roots))
	}
	var allowlist *auth.Allowlist
	if sc.AllowlistFile != "" {
		var err error
		allowlist, err = auth.LoadAllowlist(sc.AllowlistFile, d.logger)
		if err != nil {
			return nil, nil, nil, err
		}
		opts = append(opts, auth.WithAllowlist(allowlist))
	}
	return auth.NewCertVerifier(opts...), allowlist, tlsConfig, nil
}
