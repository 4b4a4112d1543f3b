package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"wallet-stream/internal/domain/entity"
	"wallet-stream/internal/domain/repository"
	"wallet-stream/internal/domain/service"
	"wallet-stream/internal/infrastructure/config"
	"wallet-stream/internal/infrastructure/logger"
	"wallet-stream/internal/infrastructure/registry"
	streamerrors "wallet-stream/pkg/errors"
	"wallet-stream/pkg/utils"

	"go.uber.org/zap"
)

const (
	observerTimeout  = 5 * time.Second
	refreshTimeout   = 30 * time.Second
	cleanupInterval  = time.Hour
	nativeAssetLabel = "native"
)

var timeNow = time.Now

var _ service.ConnectionObserver = (*endpointObserver)(nil)

// WalletWatcherAppService follows the configured wallets over every enabled
// endpoint, persists their transfers and republishes them
type WalletWatcherAppService struct {
	factory          *ConnectionFactory
	balanceService   service.BalanceService
	transferRepo     repository.TransferRepository
	metricsRepo      repository.MetricsRepository
	messagingService service.MessagingService
	config           *config.Config
	logger           *logger.Logger

	isRunning     bool
	stopChan      chan struct{}
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	disposers     []registry.Disposer

	workers   sync.WaitGroup
	workersMu sync.Mutex
	accepting bool

	transferBuffer []*entity.Transfer
	bufferMu       sync.Mutex
	lastFlush      time.Time
	lastCleanup    time.Time
	flushCh        chan struct{}
}

// NewWalletWatcherAppService creates a new wallet watcher application service.
// balanceService, the repositories and messagingService may be nil when the
// matching backend is disabled.
func NewWalletWatcherAppService(
	factory *ConnectionFactory,
	balanceService service.BalanceService,
	transferRepo repository.TransferRepository,
	metricsRepo repository.MetricsRepository,
	messagingService service.MessagingService,
	config *config.Config,
	logger *logger.Logger,
) *WalletWatcherAppService {
	return &WalletWatcherAppService{
		factory:          factory,
		balanceService:   balanceService,
		transferRepo:     transferRepo,
		metricsRepo:      metricsRepo,
		messagingService: messagingService,
		config:           config,
		logger:           logger.WithComponent("wallet-watcher-app"),
		subscriptions:    make(map[string]*Subscription),
		transferBuffer:   make([]*entity.Transfer, 0, config.Watch.BatchSize),
		lastFlush:        timeNow(),
		flushCh:          make(chan struct{}, 1),
	}
}

// Start opens one subscription per endpoint and registers every watched account
func (w *WalletWatcherAppService) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isRunning {
		return fmt.Errorf("wallet watcher is already running")
	}

	w.logger.Info("Starting Wallet Watcher Application Service",
		zap.Strings("endpoints", w.factory.Endpoints()),
		zap.Int("accounts", len(w.config.Watch.Accounts)))

	w.stopChan = make(chan struct{})

	for _, key := range w.factory.Endpoints() {
		observer := &endpointObserver{watcher: w, network: w.factory.Network(key)}
		sub, err := w.factory.Build(key, observer)
		if err != nil {
			w.teardownLocked(ctx)
			return fmt.Errorf("failed to build %s subscription: %w", key, err)
		}

		registered := w.registerAccounts(sub)
		w.subscriptions[key] = sub

		if registered == 0 {
			w.logger.Warn("No watched accounts for endpoint, not connecting", zap.String("endpoint", key))
			continue
		}

		if err := sub.Start(ctx); err != nil {
			w.teardownLocked(ctx)
			return fmt.Errorf("failed to start %s subscription: %w", key, err)
		}
		w.logger.Info("Subscription started", zap.String("endpoint", key), zap.Int("listeners", registered))
	}

	w.isRunning = true
	w.setAccepting(true)

	// Workers outlive the start context; stopChan ends them
	go w.flushWorker(context.Background(), w.stopChan)
	go w.healthMonitor(context.Background(), w.stopChan)

	w.logger.Info("Wallet Watcher Application Service started successfully")
	return nil
}

// Stop releases every listener, stops every handle and flushes buffered transfers
func (w *WalletWatcherAppService) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return nil
	}

	w.logger.Info("Stopping Wallet Watcher Application Service")

	close(w.stopChan)
	w.isRunning = false
	w.teardownLocked(ctx)
	w.mu.Unlock()

	// No refresh may join the group once Wait has started
	w.setAccepting(false)
	w.workers.Wait()
	w.flushBuffers(ctx)

	w.logger.Info("Wallet Watcher Application Service stopped")
	return nil
}

// IsRunning checks if the service is running
func (w *WalletWatcherAppService) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.isRunning
}

// Status returns the lifecycle state of each endpoint
func (w *WalletWatcherAppService) Status() map[string]entity.ConnectionStats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	status := make(map[string]entity.ConnectionStats, len(w.subscriptions))
	for key, sub := range w.subscriptions {
		status[key] = sub.Handle.Stats()
	}
	return status
}

// endpointObserver carries the endpoint's network into lifecycle callbacks.
// Handles call it synchronously, so it must not take the watcher's lock.
type endpointObserver struct {
	watcher *WalletWatcherAppService
	network string
}

func (o *endpointObserver) OnStatusChange(change entity.StatusChange) {
	o.watcher.recordStatusChange(change, o.network)
}

func (o *endpointObserver) OnError(err error) {
	o.watcher.recordError(err)
}

// recordStatusChange records and publishes a connection transition
func (w *WalletWatcherAppService) recordStatusChange(change entity.StatusChange, network string) {
	w.logger.Info("Connection status changed",
		zap.String("endpoint", change.EndpointKey),
		zap.String("from", string(change.From)),
		zap.String("to", string(change.To)),
		zap.Error(change.Err))

	ctx, cancel := context.WithTimeout(context.Background(), observerTimeout)
	defer cancel()

	if w.metricsRepo != nil {
		if err := w.metricsRepo.SaveConnectionEvent(ctx, entity.NewConnectionEvent(change, network)); err != nil {
			w.logger.Error("Failed to save connection event", zap.Error(err))
		}
	}

	if w.messagingService != nil {
		if err := w.messagingService.PublishStatus(ctx, change); err != nil {
			w.logger.Error("Failed to publish connection status", zap.Error(err))
		}
	}
}

// recordError logs lifecycle and listener failures
func (w *WalletWatcherAppService) recordError(err error) {
	switch {
	case streamerrors.IsCode(err, streamerrors.ErrCodeRetriesExhausted):
		w.logger.Error("Connection gave up reconnecting", zap.Error(err))
	case streamerrors.IsCode(err, streamerrors.ErrCodeTeardownClose):
		w.logger.Debug("Transport teardown error", zap.Error(err))
	default:
		w.logger.Warn("Subscription error", zap.Error(err))
	}
}

// registerAccounts attaches a listener for each watched account the
// endpoint can serve and returns how many were registered
func (w *WalletWatcherAppService) registerAccounts(sub *Subscription) int {
	count := 0
	filters := w.assetFilters(sub.EndpointKey)

	for _, account := range w.config.Watch.Accounts {
		if !accountServedBy(sub.EndpointKey, account) {
			continue
		}
		for _, filter := range filters {
			key := "watch:" + account + ":" + filter
			dispose := sub.Registry.RegisterKeyed(key, account, filter, w.eventHandler(sub))
			w.disposers = append(w.disposers, dispose)
			count++
		}
	}
	return count
}

// assetFilters returns the watch.assets entries for this endpoint, or a
// single match-all filter when none apply
func (w *WalletWatcherAppService) assetFilters(endpointKey string) []string {
	var filters []string
	for _, asset := range w.config.Watch.Assets {
		contract, _, _ := strings.Cut(asset, ":")
		if accountServedBy(endpointKey, contract) {
			filters = append(filters, asset)
		}
	}
	if len(filters) == 0 {
		return []string{""}
	}
	return filters
}

// accountServedBy tells whether an address belongs to the endpoint's chain
func accountServedBy(endpointKey, address string) bool {
	switch endpointKey {
	case EndpointTezos:
		return utils.ValidateTezosAddress(address)
	case EndpointEVM:
		return utils.ValidateEVMAddress(address)
	default:
		return utils.ValidateAddress(address)
	}
}

// eventHandler returns the listener callback for one subscription
func (w *WalletWatcherAppService) eventHandler(sub *Subscription) registry.Callback {
	return func(event entity.Event) error {
		switch event.Kind {
		case entity.EventKindTransfer:
			return w.handleTransfer(sub, event)
		case entity.EventKindReorg:
			return w.handleReorg(sub, event)
		case entity.EventKindAccount:
			w.logger.Debug("Account updated", zap.String("subject", event.Subject))
			return nil
		default:
			return fmt.Errorf("unsupported event kind %q", event.Kind)
		}
	}
}

func (w *WalletWatcherAppService) handleTransfer(sub *Subscription, event entity.Event) error {
	transfer, err := entity.NewTransfer(event, sub.Network)
	if err != nil {
		return err
	}

	w.logger.Debug("Received transfer",
		zap.String("event_id", event.ID),
		zap.String("subject", transfer.Subject),
		zap.String("asset", transfer.Asset),
		zap.String("amount", transfer.Amount))

	w.bufferTransfer(transfer)

	if sub.EndpointKey == EndpointEVM && w.config.EVM.RefreshBalance && w.balanceService != nil {
		w.refreshBalances(transfer)
	}
	return nil
}

func (w *WalletWatcherAppService) handleReorg(sub *Subscription, event entity.Event) error {
	var payload entity.TransferPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode reorg payload: %w", err)
	}

	// A removed log carries the transfer itself; a bare level means roll back
	if payload.From != "" || payload.To != "" {
		if err := w.markLogRemoved(sub, payload); err != nil {
			return err
		}
		return w.handleTransfer(sub, event)
	}

	w.logger.Warn("Rolling back transfers",
		zap.String("endpoint", sub.EndpointKey),
		zap.Uint64("level", payload.BlockLevel))

	if w.transferRepo == nil {
		return nil
	}

	// Buffered transfers must reach the store before they can be flagged
	w.flushBuffers(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), observerTimeout)
	defer cancel()

	removed, err := w.transferRepo.MarkRemovedAbove(ctx, sub.EndpointKey, payload.BlockLevel)
	if err != nil {
		return fmt.Errorf("failed to roll back transfers: %w", err)
	}
	w.logger.Info("Transfers rolled back", zap.Int64("count", removed))
	return nil
}

// markLogRemoved flags the stored copy of a log the chain dropped
func (w *WalletWatcherAppService) markLogRemoved(sub *Subscription, payload entity.TransferPayload) error {
	if w.transferRepo == nil || payload.TxHash == "" {
		return nil
	}

	w.flushBuffers(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), observerTimeout)
	defer cancel()

	removed, err := w.transferRepo.MarkRemovedByLog(ctx, sub.EndpointKey, payload.TxHash, payload.LogIndex)
	if err != nil {
		return fmt.Errorf("failed to flag removed log: %w", err)
	}
	w.logger.Info("Removed log flagged",
		zap.String("tx_hash", payload.TxHash),
		zap.Uint("log_index", payload.LogIndex),
		zap.Int64("count", removed))
	return nil
}

func (w *WalletWatcherAppService) bufferTransfer(transfer *entity.Transfer) {
	w.bufferMu.Lock()
	full := w.config.Watch.BufferSize > 0 && len(w.transferBuffer) >= w.config.Watch.BufferSize
	w.bufferMu.Unlock()

	if full {
		w.logger.Warn("Transfer buffer full, flushing inline")
		w.flushBuffers(context.Background())
	}

	w.bufferMu.Lock()
	w.transferBuffer = append(w.transferBuffer, transfer)
	w.bufferMu.Unlock()

	if w.shouldFlush() {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
}

// refreshBalances reads fresh balances off the dispatch path
func (w *WalletWatcherAppService) refreshBalances(transfer *entity.Transfer) {
	w.workersMu.Lock()
	if !w.accepting {
		w.workersMu.Unlock()
		w.logger.Debug("Skipping balance refresh while stopping", zap.String("subject", transfer.Subject))
		return
	}
	w.workers.Add(1)
	w.workersMu.Unlock()

	go func() {
		defer w.workers.Done()

		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()

		block, err := w.balanceService.LatestBlockNumber(ctx)
		if err != nil {
			w.logger.Warn("Failed to read latest block", zap.Error(err))
			return
		}

		updates := make([]*entity.BalanceUpdate, 0, 2)
		if native, err := w.balanceService.NativeBalance(ctx, transfer.Subject); err != nil {
			w.logger.Warn("Failed to refresh native balance", zap.String("subject", transfer.Subject), zap.Error(err))
		} else {
			updates = append(updates, w.balanceUpdate(transfer, nativeAssetLabel, native.String(), block))
		}

		if token, err := w.balanceService.TokenBalance(ctx, transfer.Asset, transfer.Subject); err != nil {
			w.logger.Warn("Failed to refresh token balance",
				zap.String("subject", transfer.Subject),
				zap.String("asset", transfer.Asset),
				zap.Error(err))
		} else {
			updates = append(updates, w.balanceUpdate(transfer, transfer.Asset, token.String(), block))
		}

		if w.messagingService == nil {
			return
		}
		for _, update := range updates {
			if err := w.messagingService.PublishBalance(ctx, update); err != nil {
				w.logger.Error("Failed to publish balance", zap.Error(err))
			}
		}
	}()
}

func (w *WalletWatcherAppService) setAccepting(accepting bool) {
	w.workersMu.Lock()
	w.accepting = accepting
	w.workersMu.Unlock()
}

func (w *WalletWatcherAppService) balanceUpdate(transfer *entity.Transfer, asset, balance string, block uint64) *entity.BalanceUpdate {
	return &entity.BalanceUpdate{
		Subject:   transfer.Subject,
		Asset:     asset,
		Balance:   balance,
		Network:   transfer.Network,
		Block:     block,
		Timestamp: timeNow(),
	}
}

// shouldFlush determines if buffers should be flushed
func (w *WalletWatcherAppService) shouldFlush() bool {
	w.bufferMu.Lock()
	defer w.bufferMu.Unlock()

	return len(w.transferBuffer) >= w.config.Watch.BatchSize ||
		time.Since(w.lastFlush) >= w.config.Watch.FlushInterval
}

// flushBuffers persists and publishes all buffered transfers
func (w *WalletWatcherAppService) flushBuffers(ctx context.Context) {
	w.bufferMu.Lock()
	toFlush := make([]*entity.Transfer, len(w.transferBuffer))
	copy(toFlush, w.transferBuffer)
	w.transferBuffer = w.transferBuffer[:0]
	w.lastFlush = timeNow()
	w.bufferMu.Unlock()

	if len(toFlush) == 0 {
		return
	}

	w.logger.Info("Flushing transfers", zap.Int("transfers", len(toFlush)))

	if w.transferRepo != nil {
		if err := w.transferRepo.UpsertTransfers(ctx, toFlush); err != nil {
			w.logger.Error("Failed to save transfers", zap.Int("count", len(toFlush)), zap.Error(err))
		}
	}

	if w.messagingService != nil {
		if err := w.messagingService.PublishTransfers(ctx, toFlush); err != nil {
			w.logger.Error("Failed to publish transfers", zap.Error(err))
		}
	}
}

// flushWorker periodically flushes buffered data
func (w *WalletWatcherAppService) flushWorker(ctx context.Context, stop <-chan struct{}) {
	interval := w.config.Watch.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.flushBuffers(ctx)
		case <-w.flushCh:
			w.flushBuffers(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// healthMonitor snapshots connection metrics on an interval
func (w *WalletWatcherAppService) healthMonitor(ctx context.Context, stop <-chan struct{}) {
	interval := w.config.Monitoring.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.checkHealth(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// checkHealth records one metrics snapshot per endpoint
func (w *WalletWatcherAppService) checkHealth(ctx context.Context) {
	w.mu.RLock()
	subs := make([]*Subscription, 0, len(w.subscriptions))
	for _, sub := range w.subscriptions {
		subs = append(subs, sub)
	}
	w.mu.RUnlock()

	for _, sub := range subs {
		metrics := sub.Metrics()
		if metrics.Health != entity.HealthStatusHealthy && metrics.Registrations > 0 {
			w.logger.Warn("Subscription is not healthy",
				zap.String("endpoint", sub.EndpointKey),
				zap.String("status", string(metrics.Status)),
				zap.Int64("reconnects", metrics.Reconnects))
		}

		if w.config.Monitoring.MetricsEnabled && w.metricsRepo != nil {
			if err := w.metricsRepo.SaveConnectionMetrics(ctx, metrics); err != nil {
				w.logger.Error("Failed to save connection metrics", zap.Error(err))
			}
		}
	}

	if w.metricsRepo != nil && w.config.Monitoring.MetricsRetention > 0 && time.Since(w.lastCleanup) >= cleanupInterval {
		w.lastCleanup = timeNow()
		if err := w.metricsRepo.CleanupOldMetrics(ctx, timeNow().Add(-w.config.Monitoring.MetricsRetention)); err != nil {
			w.logger.Error("Failed to clean up old metrics", zap.Error(err))
		}
	}
}

// teardownLocked releases every listener, then stops every handle
func (w *WalletWatcherAppService) teardownLocked(ctx context.Context) {
	for _, dispose := range w.disposers {
		dispose()
	}
	w.disposers = nil

	for _, sub := range w.subscriptions {
		sub.Close(ctx)
	}
	w.subscriptions = make(map[string]*Subscription)
}
