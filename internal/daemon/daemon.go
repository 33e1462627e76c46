// Package daemon wires the realtime client, state store, cache, and IPC
// socket into one long-running process.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/SiteRelEnby/simplyplural-cli/internal/api"
	"github.com/SiteRelEnby/simplyplural-cli/internal/cache"
	"github.com/SiteRelEnby/simplyplural-cli/internal/realtime"
	daemonruntime "github.com/SiteRelEnby/simplyplural-cli/internal/runtime"
	"github.com/SiteRelEnby/simplyplural-cli/internal/state"
)

const seedTimeout = 30 * time.Second

// Options configures a Daemon.
type Options struct {
	ProfileName string
	Token       string
	SocketPath  string
	PIDFile     string

	// Cache is optional; without it the daemon serves purely from memory
	// and cannot seed offline.
	Cache *cache.Manager

	// APIBaseURL and WSEndpoint override the production endpoints,
	// primarily for tests.
	APIBaseURL string
	WSEndpoint string

	APITimeout    time.Duration
	APIMaxRetries int
}

// Daemon owns the runtime services for one profile.
type Daemon struct {
	opts     Options
	store    *state.Store
	api *api.Client
	realtime *realtime.Client
	info     *RuntimeInfo
	host     *daemonruntime.ServiceHost
	lifecycle *daemonruntime.Lifecycle

	mu      sync.Mutex
	started bool
}

// New assembles a daemon. It does not touch the network.
func New(opts Options) (*Daemon, error) {
	if opts.ProfileName == "" {
		return nil, fmt.Errorf("daemon: profile name is required")
	}
	if opts.SocketPath == "" {
		return nil, fmt.Errorf("daemon: socket path is required")
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("daemon: API token is required")
	}

	var stateCache state.Cache
	if opts.Cache != nil {
		stateCache = opts.Cache
	}
	store := state.New(stateCache)

	apiClient := api.NewClient(opts.Token, api.Options{
		BaseURL:    opts.APIBaseURL,
		Timeout:    opts.APITimeout,
		MaxRetries: opts.APIMaxRetries,
	})

	d := &Daemon{
		opts:     opts,
		store:    store,
		api: apiClient,
		info:     &RuntimeInfo{},
		host:     daemonruntime.NewServiceHost(),
		lifecycle: daemonruntime.NewLifecycle(),
	}

	d.realtime = realtime.New(opts.Token, store.ApplyUpdate, realtime.Options{
		Endpoint: opts.WSEndpoint,
		OnAuthenticated: func() {
			// Updates missed while disconnected never arrive later, so
			// refetch the collections after every successful handshake.
			// Runs before the session's read loop starts, so the snapshot
			// lands before any streamed event: Seed can never clobber an
			// event applied after it.
			d.reseed()
		},
	})

	d.info.SetProfileName(opts.ProfileName)
	d.info.SetSocketPath(opts.SocketPath)

	if err := d.host.Register("ipc", func(ctx context.Context) (daemonruntime.Service, error) {
		return newUnixSocketService(opts.SocketPath, store, d.realtime, d.info), nil
	}); err != nil {
		return nil, err
	}
	if err := d.host.Register("realtime", func(ctx context.Context) (daemonruntime.Service, error) {
		return newRealtimeService(d), nil
	}, daemonruntime.WithShutdownTimeout(10*time.Second)); err != nil {
		return nil, err
	}

	return d, nil
}

// Start brings up the IPC socket, seeds state, and connects upstream. The
// socket is serving before seeding begins, so ping answers immediately
// even when the API is slow.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon: already started")
	}
	d.started = true
	d.mu.Unlock()

	d.info.SetStartTime(time.Now())

	if d.opts.PIDFile != "" {
		if err := daemonruntime.WritePIDFile(d.opts.PIDFile, os.Getpid()); err != nil {
			return err
		}
	}

	if err := d.host.Start(ctx); err != nil {
		if d.opts.PIDFile != "" {
			daemonruntime.RemovePIDFile(d.opts.PIDFile)
		}
		return err
	}

	log.Printf("[Daemon] Profile %q serving on %s", d.opts.ProfileName, d.opts.SocketPath)
	return nil
}

// Shutdown stops all services and removes the pid file.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.mu.Unlock()

	d.lifecycle.Shutdown()
	err := d.host.Stop(ctx)
	if d.opts.PIDFile != "" {
		daemonruntime.RemovePIDFile(d.opts.PIDFile)
	}
	log.Printf("[Daemon] Stopped")
	return err
}

// Done is closed when the daemon begins shutting down.
func (d *Daemon) Done() <-chan struct{} {
	return d.lifecycle.Done()
}

// Store exposes the state store, mainly for tests.
func (d *Daemon) Store() *state.Store {
	return d.store
}

// RuntimeInfo exposes runtime metadata.
func (d *Daemon) RuntimeInfo() *RuntimeInfo {
	return d.info
}

// seed fetches all collections over REST and replaces store contents.
// When the API is unreachable it falls back to the disk cache, expired or
// not, so a network-less start still serves the last known state.
func (d *Daemon) seed(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, seedTimeout)
	defer cancel()

	fronters, errFronters := d.api.FrontEntries(ctx)
	members, errMembers := d.api.Members(ctx)
	customFronts, errCustomFronts := d.api.CustomFronts(ctx)

	if errFronters == nil && errMembers == nil && errCustomFronts == nil {
		d.store.Seed(fronters, members, customFronts)
		log.Printf("[Daemon] Seeded state from API")
		return
	}

	log.Printf("[Daemon] API seed incomplete (fronters: %v, members: %v, custom fronts: %v)",
		errFronters, errMembers, errCustomFronts)

	if d.opts.Cache == nil {
		log.Printf("[Daemon] No cache configured; starting with whatever the API returned")
		d.store.Seed(fronters, members, customFronts)
		return
	}

	if errFronters != nil {
		if views, ok := d.opts.Cache.StaleFronters(); ok {
			fronters = make([]state.FrontEntry, len(views))
			for i, view := range views {
				fronters[i] = view.Entry
			}
			log.Printf("[Daemon] Loaded %d fronters from cache", len(fronters))
		}
	}
	if errMembers != nil {
		if cached, ok := d.opts.Cache.StaleMembers(); ok {
			members = cached
			log.Printf("[Daemon] Loaded %d members from cache", len(members))
		}
	}
	if errCustomFronts != nil {
		if cached, ok := d.opts.Cache.StaleCustomFronts(); ok {
			customFronts = cached
			log.Printf("[Daemon] Loaded %d custom fronts from cache", len(customFronts))
		}
	}

	d.store.Seed(fronters, members, customFronts)
}

func (d *Daemon) reseed() {
	ctx, cancel := context.WithTimeout(context.Background(), seedTimeout)
	defer cancel()

	fronters, err := d.api.FrontEntries(ctx)
	if err != nil {
		log.Printf("[Daemon] Reseed fronters failed: %v", err)
		return
	}
	members, err := d.api.Members(ctx)
	if err != nil {
		log.Printf("[Daemon] Reseed members failed: %v", err)
		return
	}
	customFronts, err := d.api.CustomFronts(ctx)
	if err != nil {
		log.Printf("[Daemon] Reseed custom fronts failed: %v", err)
		return
	}
	d.store.Seed(fronters, members, customFronts)
	log.Printf("[Daemon] Reseeded state after (re)connect")
}

// realtimeService adapts the upstream connection to the service host. Its
// Start seeds state first so the run loop only ever applies deltas on top
// of a full snapshot.
type realtimeService struct {
	daemon *Daemon

	mu     sync.Mutex
	done   chan struct{}
	cancel context.CancelFunc
}

func newRealtimeService(d *Daemon) *realtimeService {
	return &realtimeService{daemon: d}
}

func (s *realtimeService) Start(ctx context.Context) error {
	s.daemon.seed(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.daemon.realtime.Run(runCtx)
	}()
	return nil
}

func (s *realtimeService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
