package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/log"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/metrics"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/models"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/repository"
)

// Reconciler advances servers and panels that are not yet CONFIGURED
type Reconciler struct {
	servers   ServerStore
	panels    PanelStore
	serverSvc *ServerService
	panelSvc  *PanelService
	locker    repository.Locker
	interval  time.Duration
	mu        sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
	logger    zerolog.Logger
}

// NewReconciler creates a reconciler
func NewReconciler(
	servers ServerStore,
	panels PanelStore,
	serverSvc *ServerService,
	panelSvc *PanelService,
	locker repository.Locker,
	interval time.Duration,
) *Reconciler {
	return &Reconciler{
		servers:   servers,
		panels:    panels,
		serverSvc: serverSvc,
		panelSvc:  panelSvc,
		locker:    locker,
		interval:  interval,
		stopCh:    make(chan struct{}),
		logger:    log.WithComponent("reconciler"),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) {
	r.doneCh = make(chan struct{})
	go r.run(ctx, r.doneCh)
}

// Stop stops the loop and waits for the running sweep to finish
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	if r.doneCh != nil {
		<-r.doneCh
	}
}

func (r *Reconciler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Reconciliation sweep failed")
			}
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs one sweep. Sweeps in one process never overlap; across
// processes every entity is guarded by its lease.
func (r *Reconciler) RunOnce(ctx context.Context) (*models.ReconcileResponse, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	res := &models.ReconcileResponse{}
	var errs []error

	if err := r.reconcileCreatedServers(ctx, res); err != nil {
		errs = append(errs, err)
	}
	if err := r.reconcileConfiguredServers(ctx, res); err != nil {
		errs = append(errs, err)
	}
	if err := r.reconcilePendingPasswords(ctx, res); err != nil {
		errs = append(errs, err)
	}
	if err := r.reconcileCreatedPanels(ctx, res); err != nil {
		errs = append(errs, err)
	}
	r.updateGauges(ctx)

	r.logger.Info().
		Int("servers_checked", res.ServersChecked).
		Int("servers_ready", res.ServersReady).
		Int("passwords_retrieved", res.PasswordsRetrieved).
		Int("panels_created", res.PanelsCreated).
		Int("panels_installed", res.PanelsInstalled).
		Int("skipped", res.Skipped).
		Int("failures", res.Failures).
		Msg("Reconciliation sweep finished")

	return res, errors.Join(errs...)
}

// reconcileCreatedServers polls the provider for every CREATED server
func (r *Reconciler) reconcileCreatedServers(ctx context.Context, res *models.ReconcileResponse) error {
	servers, err := r.servers.ListByStatus(ctx, models.StatusCreated)
	if err != nil {
		return err
	}

	for _, s := range servers {
		r.withLease(ctx, models.EntityServer, s.ID, res, func() {
			// Re-read under the lease; an operator may have moved it meanwhile.
			current, err := r.servers.GetByID(ctx, s.ID)
			if err != nil {
				r.logger.Warn().Err(err).Int64("server_id", s.ID).Msg("Failed to reload server")
				res.Failures++
				return
			}
			if current.Status != models.StatusCreated {
				return
			}

			res.ServersChecked++
			ready, err := r.serverSvc.CheckStatus(ctx, current)
			switch {
			case errors.Is(err, ErrProvisioningFailed):
				r.serverSvc.MarkFailed(ctx, current, err)
				res.Failures++
			case err != nil:
				// FinishConfigure already moved the server to ERROR; other
				// errors are transient and retried next tick.
				r.logger.Warn().Err(err).Int64("server_id", s.ID).Msg("Server status check failed")
				res.Failures++
			case ready:
				res.ServersReady++
			}
		})
	}
	return nil
}

// reconcileConfiguredServers registers a panel for CONFIGURED servers
// lacking one
func (r *Reconciler) reconcileConfiguredServers(ctx context.Context, res *models.ReconcileResponse) error {
	servers, err := r.servers.ListByStatus(ctx, models.StatusConfigured)
	if err != nil {
		return err
	}

	for _, s := range servers {
		_, err := r.panels.GetByServerID(ctx, s.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, repository.ErrNotFound) {
			r.logger.Warn().Err(err).Int64("server_id", s.ID).Msg("Failed to look up panel")
			res.Failures++
			continue
		}

		r.withLease(ctx, models.EntityServer, s.ID, res, func() {
			if _, err := r.panelSvc.Create(ctx, s); err != nil {
				r.logger.Warn().Err(err).Int64("server_id", s.ID).Msg("Failed to create panel")
				res.Failures++
				return
			}
			res.PanelsCreated++
		})
	}
	return nil
}

// reconcilePendingPasswords retries the root password of CONFIGURED servers
// still holding the placeholder; their panels wait until it is stored
func (r *Reconciler) reconcilePendingPasswords(ctx context.Context, res *models.ReconcileResponse) error {
	servers, err := r.servers.ListByStatus(ctx, models.StatusConfigured)
	if err != nil {
		return err
	}

	for _, s := range servers {
		if !s.HasPendingPassword() {
			continue
		}
		r.withLease(ctx, models.EntityServer, s.ID, res, func() {
			current, err := r.servers.GetByID(ctx, s.ID)
			if err != nil {
				r.logger.Warn().Err(err).Int64("server_id", s.ID).Msg("Failed to reload server")
				res.Failures++
				return
			}
			if current.Status != models.StatusConfigured {
				return
			}

			ok, err := r.serverSvc.RetrievePassword(ctx, current)
			if err != nil {
				r.logger.Warn().Err(err).Int64("server_id", s.ID).Msg("Password retrieval failed")
				res.Failures++
				return
			}
			if ok {
				res.PasswordsRetrieved++
			}
		})
	}
	return nil
}

// reconcileCreatedPanels installs every CREATED panel
func (r *Reconciler) reconcileCreatedPanels(ctx context.Context, res *models.ReconcileResponse) error {
	panels, err := r.panels.ListByStatus(ctx, models.StatusCreated)
	if err != nil {
		return err
	}

	for _, p := range panels {
		r.withLease(ctx, models.EntityPanel, p.ID, res, func() {
			panel, err := r.panelSvc.Install(ctx, p.ID)
			if err != nil {
				r.logger.Warn().Err(err).Int64("panel_id", p.ID).Msg("Panel install failed")
				res.Failures++
				return
			}
			if panel.Status == models.StatusConfigured {
				res.PanelsInstalled++
			}
		})
	}
	return nil
}

func (r *Reconciler) withLease(ctx context.Context, kind string, id int64, res *models.ReconcileResponse, fn func()) {
	release, ok, err := r.locker.TryLock(ctx, kind, id)
	if err != nil {
		r.logger.Warn().Err(err).Str("entity", kind).Int64("id", id).Msg("Failed to acquire lease")
		res.Failures++
		return
	}
	if !ok {
		r.logger.Debug().Str("entity", kind).Int64("id", id).Msg("Entity busy, skipping")
		metrics.EntitiesSkippedTotal.WithLabelValues(kind).Inc()
		res.Skipped++
		return
	}
	defer release()
	fn()
}

func (r *Reconciler) updateGauges(ctx context.Context) {
	if counts, err := r.servers.CountByProviderStatus(ctx); err == nil {
		metrics.ServersTotal.Reset()
		for _, c := range counts {
			metrics.ServersTotal.WithLabelValues(c.Provider, c.Status).Set(float64(c.Count))
		}
	}
	if counts, err := r.panels.CountByStatus(ctx); err == nil {
		metrics.PanelsTotal.Reset()
		for _, c := range counts {
			metrics.PanelsTotal.WithLabelValues(string(c.Status)).Set(float64(c.Count))
		}
	}
}
