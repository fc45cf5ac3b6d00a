package switches

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/kvstore"
	"go.uber.org/zap"
)

const (
	opServiceNew      = "switches.service.new"
	opCreate          = "switches.create"
	opCheckIn         = "switches.checkin"
	opCheckInAll      = "switches.checkin_all"
	opDisarm          = "switches.disarm"
	opTrigger         = "switches.trigger"
	opList            = "switches.list"
	opGet             = "switches.get"
	opInbox           = "switches.inbox"
	opRedeliver       = "switches.redeliver"
	opIndexScan       = "switches.index.scan"
	opIndexReconcile  = "switches.index.reconcile"
	opIndexRebuild    = "switches.index.rebuild"
	fieldSwitchID     = "switch_id"
	fieldOwner        = "owner"
	fieldRecipient    = "recipient"
	reasonNotArmed    = "not_armed"
	reasonNotFound    = "not_found"
	reasonNotOwner    = "not_owner"
	reasonNotTrigger  = "not_triggered"
	reasonMissingID   = "missing_switch_id"
	reasonMissingAddr = "missing_address"

	reasonMissingStore      = "missing_store"
	reasonMissingIDProvider = "missing_id_provider"
	reasonMissingOwner      = "missing_owner"
	reasonInvalidPayload    = "invalid_payload"
	reasonInvalidRecipients = "invalid_recipients"
	reasonInvalidInterval   = "invalid_interval"
	reasonIDGeneration      = "id_generation_failed"
	reasonEncodeFailed      = "encode_failed"
	reasonRecordLoadFailed  = "record_load_failed"
	reasonRecordWriteFailed = "record_write_failed"
	reasonIndexLoadFailed   = "index_load_failed"
	reasonIndexWriteFailed  = "index_write_failed"
	reasonInboxLoadFailed   = "inbox_load_failed"
	reasonQueryFailed       = "query_failed"
)

var noOpLogger = zap.NewNop()

// IDProvider issues switch identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the switch store.
type ServiceConfig struct {
	Store      kvstore.Store
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Retry      *kvstore.RetryConfig
}

// Service owns the switch lifecycle. Every state change goes through it so
// the primary record and its index entry are written in one batch. The
// record write is the commit; an index entry can lag behind it but never
// hides an armed switch from the enforcer.
type Service struct {
	store      kvstore.Store
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	retry      kvstore.RetryConfig
}

// NewService validates dependencies and constructs the switch store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, reasonMissingStore, errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	retry := kvstore.DefaultRetryConfig
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	return &Service{
		store:      cfg.Store,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		retry:      retry,
	}, nil
}

// Create validates the request and persists a new armed switch.
func (service *Service) Create(ctx context.Context, request CreateRequest) (CreateResult, error) {
	if service.store == nil {
		return CreateResult{}, newServiceError(opCreate, reasonMissingStore, errMissingStore)
	}
	validated, err := validateCreate(request)
	if err != nil {
		return CreateResult{}, err
	}

	switchID, err := service.idProvider.NewID()
	if err != nil {
		service.logError(opCreate, reasonIDGeneration, err)
		return CreateResult{}, newServiceError(opCreate, reasonIDGeneration, err)
	}

	now := service.now()
	sw := Switch{
		ID:              switchID,
		Owner:           validated.Owner,
		Label:           validated.Label,
		Payload:         validated.Payload,
		Recipients:      validated.Recipients,
		CheckinInterval: validated.CheckinInterval,
		LastCheckin:     now,
		Deadline:        now + validated.CheckinInterval*1000,
		State:           StateArmed,
		CheckinCount:    0,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	raw, err := json.Marshal(sw)
	if err != nil {
		return CreateResult{}, newServiceError(opCreate, reasonEncodeFailed, err)
	}
	// The index entry goes first: an entry without a record is skipped by
	// every reader, a record without an entry is never enforced.
	batch := kvstore.Batch{
		Prepare: []kvstore.Merge{service.indexPut(sw.ID, sw.Owner, StateArmed)},
		Writes:  []kvstore.Write{{Key: switchKey(sw.ID), Value: string(raw)}},
	}
	if err := service.store.Apply(ctx, batch); err != nil {
		service.logError(opCreate, reasonRecordWriteFailed, err, zap.String(fieldSwitchID, sw.ID))
		return CreateResult{}, newServiceError(opCreate, reasonRecordWriteFailed, err)
	}

	return CreateResult{OK: true, SwitchID: sw.ID, Switch: sw, DeadlineISO: FormatISO(sw.Deadline)}, nil
}

// CheckIn resets the deadline of an armed switch to check-in time plus interval.
func (service *Service) CheckIn(ctx context.Context, owner, switchID string) (CheckInResult, error) {
	var result CheckInResult
	err := service.mutateOwned(ctx, opCheckIn, owner, switchID, func(sw Switch) (Switch, []kvstore.Merge) {
		checkinAt := service.now()
		if checkinAt < sw.LastCheckin {
			checkinAt = sw.LastCheckin
		}
		sw.LastCheckin = checkinAt
		sw.Deadline = checkinAt + sw.CheckinInterval*1000
		sw.CheckinCount++
		sw.UpdatedAt = checkinAt
		result = CheckInResult{
			OK:             true,
			SwitchID:       sw.ID,
			CheckinCount:   sw.CheckinCount,
			NewDeadline:    sw.Deadline,
			NewDeadlineISO: FormatISO(sw.Deadline),
		}
		return sw, nil
	})
	if err != nil {
		return CheckInResult{}, err
	}
	return result, nil
}

// CheckInAll checks in every armed switch the index lists for owner. A
// failure on one switch is recorded and does not stop the others.
func (service *Service) CheckInAll(ctx context.Context, owner string) (CheckInAllResult, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return CheckInAllResult{}, validationError(opCheckInAll, reasonMissingOwner, "owner is required")
	}
	ids, err := service.ListIDs(ctx, OwnedByInState(owner, StateArmed))
	if err != nil {
		return CheckInAllResult{}, err
	}

	result := CheckInAllResult{OK: true, Results: make([]CheckInAllEntry, 0, len(ids))}
	for _, id := range ids {
		checkin, checkinErr := service.CheckIn(ctx, owner, id)
		if checkinErr != nil {
			result.Failures = append(result.Failures, CheckInFailure{SwitchID: id, Reason: checkinErr.Error()})
			continue
		}
		result.Results = append(result.Results, CheckInAllEntry{
			SwitchID:       id,
			NewDeadline:    checkin.NewDeadline,
			NewDeadlineISO: checkin.NewDeadlineISO,
		})
	}
	result.CheckedIn = len(result.Results)
	return result, nil
}

// Disarm permanently cancels an armed switch.
func (service *Service) Disarm(ctx context.Context, owner, switchID string) (DisarmResult, error) {
	var result DisarmResult
	err := service.mutateOwned(ctx, opDisarm, owner, switchID, func(sw Switch) (Switch, []kvstore.Merge) {
		now := service.now()
		sw.State = StateDisarmed
		sw.DisarmedAt = pointerTo(now)
		sw.UpdatedAt = now
		result = DisarmResult{OK: true, SwitchID: sw.ID, Label: sw.Label}
		return sw, []kvstore.Merge{service.indexPut(sw.ID, sw.Owner, StateDisarmed)}
	})
	if err != nil {
		return DisarmResult{}, err
	}
	return result, nil
}

// Trigger moves an armed switch to triggered and delivers its payload to
// every recipient. It performs no owner check. A switch that is no longer
// armed yields Triggered=false with Reason "not_armed" and no error, so the
// call is safe to repeat or to race against a disarm.
func (service *Service) Trigger(ctx context.Context, switchID string) (TriggerResult, error) {
	if service.store == nil {
		return TriggerResult{}, newServiceError(opTrigger, reasonMissingStore, errMissingStore)
	}
	switchID = strings.TrimSpace(switchID)
	if switchID == "" {
		return TriggerResult{}, validationError(opTrigger, reasonMissingID, "switch_id is required")
	}

	var triggered Switch
	notArmed := false
	err := kvstore.RetryOnConflict(ctx, service.retry, func() error {
		sw, revision, found, err := service.load(ctx, switchID)
		if err != nil {
			return newServiceError(opTrigger, reasonRecordLoadFailed, err)
		}
		if !found {
			return newServiceError(opTrigger, reasonNotFound, fmt.Errorf("%w: %s", ErrNotFound, switchID))
		}
		if !sw.Armed() {
			notArmed = true
			triggered = sw
			return nil
		}

		now := service.now()
		sw.State = StateTriggered
		sw.TriggeredAt = pointerTo(now)
		sw.UpdatedAt = now
		if err := service.persist(ctx, opTrigger, sw, revision, []kvstore.Merge{service.indexPut(sw.ID, sw.Owner, StateTriggered)}); err != nil {
			return err
		}
		triggered = sw
		return nil
	})
	if err != nil {
		if !isTaxonomyError(err) {
			service.logError(opTrigger, reasonRecordWriteFailed, err, zap.String(fieldSwitchID, switchID))
		}
		return TriggerResult{}, wrapRetryError(opTrigger, err)
	}
	if notArmed {
		return TriggerResult{Triggered: false, Reason: reasonNotArmed, SwitchID: switchID}, nil
	}

	result := TriggerResult{
		Triggered:   true,
		SwitchID:    triggered.ID,
		Owner:       triggered.Owner,
		Label:       triggered.Label,
		Recipients:  append([]string(nil), triggered.Recipients...),
		Payload:     triggered.Payload,
		TriggeredAt: *triggered.TriggeredAt,
	}
	for _, recipient := range triggered.Recipients {
		if _, deliverErr := service.deliver(ctx, triggered, recipient); deliverErr != nil {
			service.logDeliveryFailure(opTrigger, triggered.ID, recipient, deliverErr)
			result.FailedDeliveries = append(result.FailedDeliveries, DeliveryFailure{Recipient: recipient, Reason: deliverErr.Error()})
		}
	}
	return result, nil
}

// Redeliver retries delivery of a triggered switch. Recipients whose inbox
// already holds an entry for the switch are left untouched.
func (service *Service) Redeliver(ctx context.Context, switchID string) (RedeliverResult, error) {
	sw, found, err := service.Get(ctx, switchID)
	if err != nil {
		return RedeliverResult{}, err
	}
	if !found {
		return RedeliverResult{}, newServiceError(opRedeliver, reasonNotFound, fmt.Errorf("%w: %s", ErrNotFound, switchID))
	}
	if sw.State != StateTriggered {
		return RedeliverResult{}, newServiceError(opRedeliver, reasonNotTrigger,
			fmt.Errorf("%w: switch is not triggered (state: %s)", ErrInvalidState, sw.State))
	}

	result := RedeliverResult{SwitchID: sw.ID, Delivered: []string{}, AlreadyDelivered: []string{}}
	for _, recipient := range sw.Recipients {
		appended, deliverErr := service.deliver(ctx, sw, recipient)
		switch {
		case deliverErr != nil:
			service.logDeliveryFailure(opRedeliver, sw.ID, recipient, deliverErr)
			result.FailedDeliveries = append(result.FailedDeliveries, DeliveryFailure{Recipient: recipient, Reason: deliverErr.Error()})
		case appended:
			result.Delivered = append(result.Delivered, recipient)
		default:
			result.AlreadyDelivered = append(result.AlreadyDelivered, recipient)
		}
	}
	return result, nil
}

// List returns summaries of every switch owned by owner, newest first.
func (service *Service) List(ctx context.Context, owner string) ([]Summary, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, validationError(opList, reasonMissingOwner, "owner is required")
	}
	ids, err := service.ListIDs(ctx, OwnedBy(owner))
	if err != nil {
		return nil, err
	}

	now := service.clock().UTC()
	loaded := make([]Switch, 0, len(ids))
	for _, id := range ids {
		sw, _, found, loadErr := service.load(ctx, id)
		if loadErr != nil {
			service.logError(opList, reasonRecordLoadFailed, loadErr, zap.String(fieldSwitchID, id))
			return nil, newServiceError(opList, reasonRecordLoadFailed, loadErr)
		}
		if !found || sw.Owner != owner {
			continue
		}
		loaded = append(loaded, sw)
	}
	sort.SliceStable(loaded, func(i, j int) bool {
		return loaded[i].CreatedAt > loaded[j].CreatedAt
	})

	summaries := make([]Summary, 0, len(loaded))
	for _, sw := range loaded {
		summaries = append(summaries, summarize(sw, now))
	}
	return summaries, nil
}

// Get returns the full record, including recipients and payload.
func (service *Service) Get(ctx context.Context, switchID string) (Switch, bool, error) {
	if service.store == nil {
		return Switch{}, false, newServiceError(opGet, reasonMissingStore, errMissingStore)
	}
	switchID = strings.TrimSpace(switchID)
	if switchID == "" {
		return Switch{}, false, validationError(opGet, reasonMissingID, "switch_id is required")
	}
	sw, _, found, err := service.load(ctx, switchID)
	if err != nil {
		service.logError(opGet, reasonRecordLoadFailed, err, zap.String(fieldSwitchID, switchID))
		return Switch{}, false, newServiceError(opGet, reasonRecordLoadFailed, err)
	}
	return sw, found, nil
}

// Inbox returns every message delivered to address in append order.
func (service *Service) Inbox(ctx context.Context, address string) ([]InboxEntry, error) {
	if service.store == nil {
		return nil, newServiceError(opInbox, reasonMissingStore, errMissingStore)
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, validationError(opInbox, reasonMissingAddr, "address is required")
	}
	entry, found, err := service.store.Get(ctx, inboxKey(address))
	if err != nil {
		service.logError(opInbox, reasonInboxLoadFailed, err, zap.String(fieldRecipient, address))
		return nil, newServiceError(opInbox, reasonInboxLoadFailed, err)
	}
	if !found {
		return []InboxEntry{}, nil
	}
	messages, err := decodeInbox(entry.Value)
	if err != nil {
		service.logError(opInbox, reasonInboxLoadFailed, err, zap.String(fieldRecipient, address))
		return nil, newServiceError(opInbox, reasonInboxLoadFailed, err)
	}
	return messages, nil
}

// mutateOwned runs the shared not-found / owner / armed checks against the
// latest record and persists apply's result guarded by the revision it read.
func (service *Service) mutateOwned(ctx context.Context, operation, owner, switchID string, apply func(Switch) (Switch, []kvstore.Merge)) error {
	if service.store == nil {
		return newServiceError(operation, reasonMissingStore, errMissingStore)
	}
	owner = strings.TrimSpace(owner)
	switchID = strings.TrimSpace(switchID)
	if owner == "" {
		return validationError(operation, reasonMissingOwner, "owner is required")
	}
	if switchID == "" {
		return validationError(operation, reasonMissingID, "switch_id is required")
	}

	err := kvstore.RetryOnConflict(ctx, service.retry, func() error {
		sw, revision, found, err := service.load(ctx, switchID)
		if err != nil {
			return newServiceError(operation, reasonRecordLoadFailed, err)
		}
		if !found {
			return newServiceError(operation, reasonNotFound, fmt.Errorf("%w: %s", ErrNotFound, switchID))
		}
		if sw.Owner != owner {
			return newServiceError(operation, reasonNotOwner, fmt.Errorf("%w: %s", ErrUnauthorized, switchID))
		}
		if !sw.Armed() {
			return newServiceError(operation, reasonNotArmed, fmt.Errorf("%w: switch is not armed (state: %s)", ErrInvalidState, sw.State))
		}
		updated, merges := apply(sw)
		return service.persist(ctx, operation, updated, revision, merges)
	})
	if err != nil {
		if !isTaxonomyError(err) {
			service.logError(operation, reasonRecordWriteFailed, err,
				zap.String(fieldSwitchID, switchID),
				zap.String(fieldOwner, owner))
		}
		return wrapRetryError(operation, err)
	}
	return nil
}

// persist writes sw guarded by revision together with merges. A lost race
// surfaces as kvstore.ErrRevisionMismatch so the caller re-reads and re-validates.
// A merge that fails after the record committed is logged and reported as
// success; the enforcer reconciles the stale index entry.
func (service *Service) persist(ctx context.Context, operation string, sw Switch, revision uint64, merges []kvstore.Merge) error {
	raw, err := json.Marshal(sw)
	if err != nil {
		return err
	}
	err = service.store.Apply(ctx, kvstore.Batch{
		Writes: []kvstore.Write{{Key: switchKey(sw.ID), Value: string(raw), Revision: revision}},
		Merges: merges,
	})
	if errors.Is(err, kvstore.ErrPartialBatch) {
		service.loggerOrDefault().Warn("switch index update failed after commit",
			zap.String("operation", operation),
			zap.String(fieldSwitchID, sw.ID),
			zap.String("state", string(sw.State)),
			zap.Error(err))
		return nil
	}
	return err
}

func (service *Service) load(ctx context.Context, switchID string) (Switch, uint64, bool, error) {
	entry, found, err := service.store.Get(ctx, switchKey(switchID))
	if err != nil {
		return Switch{}, 0, false, err
	}
	if !found {
		return Switch{}, 0, false, nil
	}
	var sw Switch
	if err := json.Unmarshal([]byte(entry.Value), &sw); err != nil {
		return Switch{}, 0, false, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	return sw, entry.Revision, true, nil
}

func (service *Service) now() int64 {
	return service.clock().UTC().UnixMilli()
}

func (service *Service) loggerOrDefault() *zap.Logger {
	if service == nil || service.logger == nil {
		return noOpLogger
	}
	return service.logger
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	service.loggerOrDefault().Error("switches service error", attrs...)
}

func (service *Service) logDeliveryFailure(operation, switchID, recipient string, err error) {
	service.loggerOrDefault().Warn("switch delivery failed",
		zap.String("operation", operation),
		zap.String(fieldSwitchID, switchID),
		zap.String(fieldRecipient, recipient),
		zap.Error(err))
}

// isTaxonomyError reports caller-facing failures that are not worth an error log.
func isTaxonomyError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidState)
}

// wrapRetryError keeps ServiceErrors produced inside a retry loop intact and
// wraps anything else (a persistent conflict, a store failure) with the operation code.
func wrapRetryError(operation string, err error) error {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	return newServiceError(operation, reasonRecordWriteFailed, err)
}
