package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"atlas-payment-service/apperrors"
	"atlas-payment-service/models"
	aws_pkg "atlas-payment-service/pkg/aws"
	"atlas-payment-service/providers"
	"atlas-payment-service/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// ReconciliationService compares the local ledger with each gateway.
type ReconciliationService interface {
	// Run reconciles one calendar day (UTC); nil means yesterday. An empty
	// eventIDs reconciles every event with payments enabled.
	Run(ctx context.Context, date *time.Time, eventIDs []uuid.UUID, generatedBy string) (*models.ReconciliationReport, error)
	RunWindow(ctx context.Context, from, to time.Time, eventIDs []uuid.UUID, generatedBy string) (*models.ReconciliationReport, error)
	GetReport(ctx context.Context, id uuid.UUID) (*models.ReconciliationReport, error)
	ListReports(ctx context.Context, date *time.Time, page, limit int) ([]models.ReconciliationReport, int64, error)
	// CleanupReports deletes reports older than the retention period.
	CleanupReports(ctx context.Context) (int64, error)
}

// ReconciliationOptions tune a run.
type ReconciliationOptions struct {
	// EventTimeout bounds the work for a single event.
	EventTimeout time.Duration
	// Concurrency is how many events are reconciled at once.
	Concurrency   int
	RetentionDays int
}

type reconciliationServiceImpl struct {
	payments      repository.PaymentRepository
	registrations repository.RegistrationRepository
	configs       repository.EventConfigRepository
	reports       repository.ReportRepository
	resolver      ProviderResolver
	settle        *settlement
	fx            *sideEffects
	opts          ReconciliationOptions
	now           func() time.Time
	logger        *zap.Logger
}

// NewReconciliationService creates a new ReconciliationService.
func NewReconciliationService(
	deps Deps,
	configs repository.EventConfigRepository,
	reports repository.ReportRepository,
	opts ReconciliationOptions,
	fx Effects,
	logger *zap.Logger,
) ReconciliationService {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = 2 * time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 90
	}
	side := newSideEffects(fx, logger)
	return &reconciliationServiceImpl{
		payments:      deps.Payments,
		registrations: deps.Registrations,
		configs:       configs,
		reports:       reports,
		resolver:      deps.Resolver,
		settle:        newSettlement(deps, side, logger),
		fx:            side,
		opts:          opts,
		now:           deps.Now,
		logger:        side.logger,
	}
}

// DayWindow returns [00:00, 24:00) UTC of the given day.
func DayWindow(day time.Time) (time.Time, time.Time) {
	d := day.UTC()
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

func (s *reconciliationServiceImpl) Run(ctx context.Context, date *time.Time, eventIDs []uuid.UUID, generatedBy string) (*models.ReconciliationReport, error) {
	day := s.now().UTC().AddDate(0, 0, -1)
	if date != nil {
		day = *date
	}
	from, to := DayWindow(day)
	return s.RunWindow(ctx, from, to, eventIDs, generatedBy)
}

func (s *reconciliationServiceImpl) RunWindow(ctx context.Context, from, to time.Time, eventIDs []uuid.UUID, generatedBy string) (*models.ReconciliationReport, error) {
	if !from.Before(to) {
		return nil, apperrors.InvalidInput("reconciliation window is empty", nil)
	}
	started := s.now()

	configs, err := s.configs.ListEnabled(ctx)
	if err != nil {
		return nil, apperrors.Internal("failed to list payment configurations", err)
	}
	if len(eventIDs) > 0 {
		wanted := make(map[uuid.UUID]bool, len(eventIDs))
		for _, id := range eventIDs {
			wanted[id] = true
		}
		filtered := configs[:0]
		for _, c := range configs {
			if wanted[c.EventID] {
				filtered = append(filtered, c)
			}
		}
		configs = filtered
	}

	s.logger.Info("Reconciliation started",
		zap.Time("from", from), zap.Time("to", to), zap.Int("events", len(configs)))

	results := make([]models.EventReconciliation, len(configs))
	sem := make(chan struct{}, s.opts.Concurrency)
	var wg sync.WaitGroup
	for i := range configs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = s.reconcileEvent(ctx, configs[i].EventID, from, to)
		}(i)
	}
	wg.Wait()

	var summary models.ReconciliationSummary
	for _, r := range results {
		summary.Add(r)
	}

	report := &models.ReconciliationReport{
		ID:          uuid.New(),
		ReportDate:  from,
		WindowStart: from,
		WindowEnd:   to,
		Events:      datatypes.NewJSONType(results),
		Summary:     datatypes.NewJSONType(summary),
		GeneratedAt: s.now().UTC(),
		GeneratedBy: generatedBy,
	}
	if err := s.reports.Create(ctx, report); err != nil {
		s.logger.Error("Failed to store reconciliation report", zap.Error(err))
		return nil, apperrors.Internal("failed to store reconciliation report", err)
	}

	s.recordRunMetrics(ctx, summary, s.now().Sub(started))
	s.fx.publishEvent(ctx, models.EventReconciliationCompleted, report.ID.String(), models.ReconciliationEvent{
		EventType: models.EventReconciliationCompleted,
		ReportID:  report.ID.String(),
		Date:      from.Format("2006-01-02"),
		Summary:   summary,
		Timestamp: report.GeneratedAt,
	})
	s.logger.Info("Reconciliation finished",
		zap.String("report_id", report.ID.String()),
		zap.Int("matched", summary.Matched),
		zap.Int("mismatched", summary.Mismatched),
		zap.Int("missing", summary.Missing),
		zap.Int("extra", summary.Extra),
		zap.Int("errors", summary.Errors))
	return report, nil
}

func (s *reconciliationServiceImpl) recordRunMetrics(ctx context.Context, sum models.ReconciliationSummary, took time.Duration) {
	s.fx.value(ctx, aws_pkg.MetricReconciliationMatched, float64(sum.Matched), nil)
	s.fx.value(ctx, aws_pkg.MetricReconciliationMismatched, float64(sum.Mismatched), nil)
	s.fx.value(ctx, aws_pkg.MetricReconciliationMissing, float64(sum.Missing), nil)
	s.fx.value(ctx, aws_pkg.MetricReconciliationExtra, float64(sum.Extra), nil)
	s.fx.value(ctx, aws_pkg.MetricReconciliationErrors, float64(sum.Errors), nil)
	s.fx.latency(ctx, aws_pkg.MetricReconciliationDuration, took, nil)
}

// reconcileEvent never returns an error: failures end up in Error so one
// broken gateway does not stop the batch.
func (s *reconciliationServiceImpl) reconcileEvent(parent context.Context, eventID uuid.UUID, from, to time.Time) models.EventReconciliation {
	ctx, cancel := context.WithTimeout(parent, s.opts.EventTimeout)
	defer cancel()

	res := models.EventReconciliation{
		EventID:    eventID,
		Matched:    []models.PaymentSnapshot{},
		Mismatched: []models.PaymentSnapshot{},
		Missing:    []models.PaymentSnapshot{},
		Extra:      []models.PaymentSnapshot{},
		StartedAt:  s.now().UTC(),
	}
	log := s.logger.With(zap.String("event_id", eventID.String()))
	fail := func(err error) models.EventReconciliation {
		log.Error("Event reconciliation failed", zap.Error(err))
		res.Error = err.Error()
		res.FinishedAt = s.now().UTC()
		return res
	}

	provider, cfg, err := s.resolver.ForEvent(ctx, eventID)
	if err != nil {
		return fail(err)
	}
	res.Provider = cfg.Provider

	local, err := s.payments.ListForReconciliation(ctx, eventID, cfg.Provider, from, to)
	if err != nil {
		return fail(fmt.Errorf("list local payments: %w", err))
	}

	gateway, polled, err := s.gatewayPayments(ctx, provider, local, from, to)
	if err != nil {
		return fail(err)
	}

	rec := &eventReconciler{svc: s, res: &res, eventID: eventID, provider: cfg.Provider, currency: cfg.Currency, log: log}
	rec.classify(ctx, local, gateway, polled)
	if ctx.Err() != nil && res.Error == "" {
		res.Error = fmt.Sprintf("reconciliation interrupted: %v", ctx.Err())
	}
	res.FinishedAt = s.now().UTC()
	return res
}

// gatewayPayments lists the gateway side, falling back to one status call
// per local record when the gateway has no listing API. polled reports the
// fallback, in which case extras cannot be detected.
func (s *reconciliationServiceImpl) gatewayPayments(ctx context.Context, p providers.Provider, local []models.PaymentRecord, from, to time.Time) ([]providers.GatewayPayment, bool, error) {
	listed, err := p.ListPayments(ctx, from, to)
	if err == nil {
		return listed, false, nil
	}
	if !errors.Is(err, apperrors.ErrUnsupportedFeature) {
		return nil, false, fmt.Errorf("list gateway payments: %w", err)
	}

	var out []providers.GatewayPayment
	for _, rec := range local {
		if rec.Key() == "" {
			continue
		}
		snap, err := p.GetPaymentStatus(ctx, rec.Key())
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			return nil, true, fmt.Errorf("poll status of %s: %w", rec.Key(), err)
		}
		out = append(out, providers.GatewayPayment{
			ID:            rec.Key(),
			Reference:     snap.Reference,
			LocalRecordID: rec.ID.String(),
			Status:        snap.RawStatus,
			AmountCents:   snap.AmountCents,
			Currency:      snap.Currency,
			FeeCents:      snap.FeeCents,
			PaymentMethod: snap.PaymentMethod,
			CapturedAt:    snap.CapturedAt,
		})
	}
	return out, true, nil
}

func (s *reconciliationServiceImpl) GetReport(ctx context.Context, id uuid.UUID) (*models.ReconciliationReport, error) {
	report, err := s.reports.FindByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "reconciliation report", id.String())
	}
	return report, nil
}

func (s *reconciliationServiceImpl) ListReports(ctx context.Context, date *time.Time, page, limit int) ([]models.ReconciliationReport, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	reports, total, err := s.reports.List(ctx, date, page, limit)
	if err != nil {
		return nil, 0, apperrors.Internal("failed to list reconciliation reports", err)
	}
	return reports, total, nil
}

func (s *reconciliationServiceImpl) CleanupReports(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().AddDate(0, 0, -s.opts.RetentionDays)
	n, err := s.reports.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old reports: %w", err)
	}
	if n > 0 {
		s.logger.Info("Old reconciliation reports deleted", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// ---- classification ----

type eventReconciler struct {
	svc      *reconciliationServiceImpl
	res      *models.EventReconciliation
	eventID  uuid.UUID
	provider models.ProviderName
	currency string
	log      *zap.Logger
}

// statusRank orders candidate gateway payments for one local record; a
// settled attempt beats an abandoned one.
func statusRank(raw string) int {
	switch providers.NormalizeStatus(raw) {
	case providers.NormalizedRefunded, providers.NormalizedPartialRefund:
		return 3
	case providers.NormalizedPaid:
		return 2
	case providers.NormalizedPending:
		return 1
	}
	return 0
}

func (r *eventReconciler) classify(ctx context.Context, local []models.PaymentRecord, gateway []providers.GatewayPayment, polled bool) {
	byID := make(map[string][]int)
	byLocal := make(map[string][]int)
	for i, gp := range gateway {
		byID[gp.ID] = append(byID[gp.ID], i)
		if gp.LocalRecordID != "" {
			byLocal[gp.LocalRecordID] = append(byLocal[gp.LocalRecordID], i)
		}
	}
	used := make([]bool, len(gateway))
	superseded := make(map[int]string)

	for i := range local {
		rec := &local[i]
		var candidates []int
		candidates = append(candidates, byID[rec.Key()]...)
		if rec.ProviderReference != "" {
			candidates = append(candidates, byID[rec.ProviderReference]...)
		}
		candidates = append(candidates, byLocal[rec.ID.String()]...)

		best := -1
		for _, c := range candidates {
			if used[c] {
				continue
			}
			if best < 0 || statusRank(gateway[c].Status) > statusRank(gateway[best].Status) {
				best = c
			}
		}
		if best < 0 {
			snap := snapshot(rec)
			snap.Note = "not found at gateway"
			if rec.Status == models.PaymentStatusInitiated {
				snap.Note = "checkout never completed at gateway"
			}
			r.res.Missing = append(r.res.Missing, snap)
			continue
		}
		used[best] = true
		for _, c := range candidates {
			if c != best {
				superseded[c] = rec.ID.String()
			}
		}
		r.compare(ctx, rec, gateway[best])
	}

	// Other attempts at a record that already has its best match are reported
	// but never synced, so they cannot become a second ledger row.
	for i, gp := range gateway {
		localID, ok := superseded[i]
		if !ok || used[i] {
			continue
		}
		used[i] = true
		r.res.Extra = append(r.res.Extra, models.PaymentSnapshot{
			PaymentID:         localID,
			ProviderPaymentID: gp.ID,
			Status:            providers.NormalizeStatus(gp.Status),
			AmountCents:       gp.AmountCents,
			Currency:          r.currencyOf(gp),
			Note:              "superseded attempt of " + localID,
		})
	}

	if polled {
		return
	}
	for i, gp := range gateway {
		if used[i] {
			continue
		}
		r.extra(ctx, gp)
	}
}

func (r *eventReconciler) currencyOf(gp providers.GatewayPayment) string {
	if gp.Currency == "" {
		return r.currency
	}
	return strings.ToUpper(gp.Currency)
}

func snapshot(rec *models.PaymentRecord) models.PaymentSnapshot {
	snap := models.PaymentSnapshot{
		PaymentID:         rec.ID.String(),
		ProviderPaymentID: rec.Key(),
		Status:            string(rec.Status),
		AmountCents:       rec.AmountCents,
		Currency:          rec.Currency,
	}
	if rec.RegistrationID != nil {
		snap.RegistrationID = rec.RegistrationID.String()
	}
	return snap
}

// Discrepancies lists the fields on which rec and gp disagree. Statuses are
// compared after normalisation; gateway fields it does not report are skipped.
func Discrepancies(rec *models.PaymentRecord, gp providers.GatewayPayment) []models.Discrepancy {
	var out []models.Discrepancy
	localStatus := providers.NormalizeStatus(string(rec.Status))
	gatewayStatus := providers.NormalizeStatus(gp.Status)
	if localStatus != gatewayStatus {
		out = append(out, models.Discrepancy{Field: "status", Local: localStatus, Gateway: gatewayStatus})
	}
	if gp.AmountCents > 0 && gp.AmountCents != rec.AmountCents {
		out = append(out, models.Discrepancy{
			Field:   "amount",
			Local:   fmt.Sprint(rec.AmountCents),
			Gateway: fmt.Sprint(gp.AmountCents),
			Delta:   gp.AmountCents - rec.AmountCents,
		})
	}
	if gp.Currency != "" && !strings.EqualFold(gp.Currency, rec.Currency) {
		out = append(out, models.Discrepancy{Field: "currency", Local: rec.Currency, Gateway: strings.ToUpper(gp.Currency)})
	}
	if gp.FeeCents != nil && (rec.FeeCents == nil || *rec.FeeCents != *gp.FeeCents) {
		d := models.Discrepancy{Field: "fee", Gateway: fmt.Sprint(*gp.FeeCents), Delta: *gp.FeeCents}
		if rec.FeeCents != nil {
			d.Local = fmt.Sprint(*rec.FeeCents)
			d.Delta = *gp.FeeCents - *rec.FeeCents
		}
		out = append(out, d)
	}
	return out
}

func gatewayUpdate(rec *models.PaymentRecord, gp providers.GatewayPayment) models.PaymentUpdate {
	u := models.PaymentUpdate{
		Status:        providers.MergeableStatus(providers.ToPaymentStatus(gp.Status)),
		Currency:      gp.Currency,
		FeeCents:      gp.FeeCents,
		PaymentMethod: gp.PaymentMethod,
		CustomerEmail: gp.Email,
		CapturedAt:    gp.CapturedAt,
	}
	if gp.AmountCents > 0 {
		amt := gp.AmountCents
		u.AmountCents = &amt
	}
	if gp.ID != rec.Key() {
		u.ProviderReference = gp.ID
	} else if gp.Reference != "" {
		u.ProviderReference = gp.Reference
	}
	return u
}

func (r *eventReconciler) compare(ctx context.Context, rec *models.PaymentRecord, gp providers.GatewayPayment) {
	diffs := Discrepancies(rec, gp)
	snap := snapshot(rec)
	if len(diffs) == 0 {
		r.res.Matched = append(r.res.Matched, snap)
		return
	}
	snap.Discrepancies = diffs
	snap.Healed, snap.Note = r.heal(ctx, rec, gp)
	r.res.Mismatched = append(r.res.Mismatched, snap)
}

// heal overwrites the local record with the gateway's view, honouring the
// status transition rules. Refunds the gateway made are booked as entries.
func (r *eventReconciler) heal(ctx context.Context, rec *models.PaymentRecord, gp providers.GatewayPayment) (bool, string) {
	target := providers.ToPaymentStatus(gp.Status)

	if amount := unbookedRefund(rec, target, gp.RefundedCents); amount > 0 {
		original, err := r.svc.settle.bookGatewayRefund(ctx, rec, amount)
		if err != nil {
			r.log.Error("Failed to book gateway refund", zap.String("payment_id", rec.ID.String()), zap.Error(err))
			return false, "refund at gateway could not be booked"
		}
		return r.stamp(ctx, original.ID, "refund booked from gateway")
	}

	res, err := r.svc.payments.ApplyUpdate(ctx, rec.Provider, rec.Key(), gatewayUpdate(rec, gp))
	if err != nil {
		r.log.Error("Failed to heal payment", zap.String("payment_id", rec.ID.String()), zap.Error(err))
		return false, "update failed"
	}
	if res == nil {
		return false, "local record disappeared"
	}
	note := "updated from gateway"
	healed := true
	switch {
	case res.Record.Status == target:
	case providers.MergeableStatus(target) == "":
		healed = false
		note = "gateway reports a refund without an amount to book"
		r.log.Warn("Gateway refund not booked", zap.String("payment_id", rec.ID.String()), zap.String("gateway_status", gp.Status))
	case !models.CanTransition(res.Record.Status, target):
		healed = false
		note = fmt.Sprintf("gateway status %s conflicts with local %s", target, res.Record.Status)
		r.log.Warn("Gateway status rejected", zap.String("payment_id", rec.ID.String()), zap.String("note", note))
	}
	if res.Changed && res.Record.Status == models.PaymentStatusPaid && res.PreviousStatus != models.PaymentStatusPaid {
		r.svc.settle.paid(ctx, res.Record)
	}
	ok, stampNote := r.stamp(ctx, res.Record.ID, note)
	return healed && ok, stampNote
}

func (r *eventReconciler) stamp(ctx context.Context, id uuid.UUID, note string) (bool, string) {
	if err := r.svc.payments.MarkReconciled(ctx, id, r.svc.now().UTC(), note); err != nil {
		r.log.Error("Failed to stamp reconciled payment", zap.String("payment_id", id.String()), zap.Error(err))
		return false, note
	}
	return true, note
}

// extra handles a gateway payment that matched nothing in the window. It may
// still belong to a local record created outside the window.
func (r *eventReconciler) extra(ctx context.Context, gp providers.GatewayPayment) {
	if rec := r.findOutsideWindow(ctx, gp); rec != nil {
		r.compare(ctx, rec, gp)
		return
	}

	snap := models.PaymentSnapshot{
		ProviderPaymentID: gp.ID,
		Status:            providers.NormalizeStatus(gp.Status),
		AmountCents:       gp.AmountCents,
		Currency:          r.currencyOf(gp),
	}

	regID := r.matchRegistration(ctx, gp)
	now := r.svc.now().UTC()
	rec := &models.PaymentRecord{
		ID:                 uuid.New(),
		EventID:            r.eventID,
		RegistrationID:     regID,
		Provider:           r.provider,
		ProviderPaymentID:  &gp.ID,
		ProviderReference:  gp.Reference,
		Status:             providers.ToPaymentStatus(gp.Status),
		AmountCents:        gp.AmountCents,
		Currency:           snap.Currency,
		FeeCents:           gp.FeeCents,
		PaymentMethod:      gp.PaymentMethod,
		CapturedAt:         gp.CapturedAt,
		CustomerEmail:      gp.Email,
		SyncedFromGateway:  true,
		ReconciledAt:       &now,
		ReconciliationNote: "synced from gateway",
		CreatedAt:          gp.CreatedAt,
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	created, err := r.svc.payments.Insert(ctx, rec)
	switch {
	case err != nil:
		r.log.Error("Failed to sync gateway payment", zap.String("provider_payment_id", gp.ID), zap.Error(err))
		snap.Note = "sync failed"
	case !created:
		snap.Note = "already recorded by a concurrent writer"
	default:
		snap.PaymentID = rec.ID.String()
		snap.Healed = true
		snap.Note = "synced from gateway"
		if regID != nil {
			snap.RegistrationID = regID.String()
		} else {
			snap.Note = "synced from gateway, no matching registration"
		}
		if rec.Status == models.PaymentStatusPaid {
			r.svc.settle.paid(ctx, rec)
		}
	}
	r.res.Extra = append(r.res.Extra, snap)
}

func (r *eventReconciler) findOutsideWindow(ctx context.Context, gp providers.GatewayPayment) *models.PaymentRecord {
	if gp.LocalRecordID != "" {
		if id, err := uuid.Parse(gp.LocalRecordID); err == nil {
			if rec, err := r.svc.payments.FindByID(ctx, id); err == nil && rec.EventID == r.eventID {
				return rec
			}
		}
	}
	if rec, err := r.svc.payments.FindByKey(ctx, r.provider, gp.ID); err == nil && rec != nil {
		return rec
	}
	if rec, err := r.svc.payments.FindByReference(ctx, r.provider, gp.ID); err == nil && rec != nil {
		return rec
	}
	return nil
}

// matchRegistration looks the attendee up by registration id, then by email.
func (r *eventReconciler) matchRegistration(ctx context.Context, gp providers.GatewayPayment) *uuid.UUID {
	if gp.RegistrationID != "" {
		if id, err := uuid.Parse(gp.RegistrationID); err == nil {
			if reg, err := r.svc.registrations.FindByID(ctx, id); err == nil && reg.EventID == r.eventID {
				return &reg.ID
			}
		}
	}
	reg, err := r.svc.registrations.FindByEmail(ctx, r.eventID, gp.Email)
	if err != nil || reg == nil {
		return nil
	}
	return &reg.ID
}
