package switches

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceConfig{IDProvider: NewUUIDProvider()}); err == nil {
		t.Fatalf("expected error without store")
	}
	if _, err := NewService(ServiceConfig{Store: newTestStore(t)}); err == nil {
		t.Fatalf("expected error without id provider")
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	service := newTestService(t, newTestStore(t), newManualClock(testEpoch))
	tooMany := make([]string, MaxRecipients+1)
	for i := range tooMany {
		tooMany[i] = "r@example.com"
	}

	testCases := []struct {
		name    string
		request CreateRequest
	}{
		{name: "blank owner", request: CreateRequest{Owner: "  ", Payload: "p", Recipients: []string{"a"}, CheckinInterval: 60}},
		{name: "blank payload", request: CreateRequest{Owner: testOwner, Payload: " \n\t", Recipients: []string{"a"}, CheckinInterval: 60}},
		{name: "no recipients", request: CreateRequest{Owner: testOwner, Payload: "p", Recipients: []string{}, CheckinInterval: 60}},
		{name: "too many recipients", request: CreateRequest{Owner: testOwner, Payload: "p", Recipients: tooMany, CheckinInterval: 60}},
		{name: "blank recipient", request: CreateRequest{Owner: testOwner, Payload: "p", Recipients: []string{"a", " "}, CheckinInterval: 60}},
		{name: "interval below minimum", request: CreateRequest{Owner: testOwner, Payload: "p", Recipients: []string{"a"}, CheckinInterval: 59}},
		{name: "interval above maximum", request: CreateRequest{Owner: testOwner, Payload: "p", Recipients: []string{"a"}, CheckinInterval: MaxCheckinInterval + 1}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := service.Create(context.Background(), testCase.request)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	ids, err := service.ListIDs(context.Background(), nil)
	if err != nil {
		t.Fatalf("list ids failed: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("rejected creates must not persist anything, found %v", ids)
	}
}

func TestCreateAcceptsIntervalBounds(t *testing.T) {
	service := newTestService(t, newTestStore(t), newManualClock(testEpoch))
	for _, interval := range []int64{MinCheckinInterval, MaxCheckinInterval} {
		sw := mustCreate(t, service, CreateRequest{CheckinInterval: interval})
		if sw.Deadline != sw.CreatedAt+interval*1000 {
			t.Fatalf("unexpected deadline for interval %d: %d", interval, sw.Deadline)
		}
	}
	recipients := make([]string, MaxRecipients)
	for i := range recipients {
		recipients[i] = "r@example.com"
	}
	mustCreate(t, service, CreateRequest{Recipients: recipients})
}

func TestCreateInitializesArmedSwitch(t *testing.T) {
	clock := newManualClock(testEpoch)
	service := newTestService(t, newTestStore(t), clock)

	result, err := service.Create(context.Background(), CreateRequest{
		Owner:           testOwner,
		Payload:         "  keep my whitespace  ",
		Recipients:      []string{" alice@example.com "},
		CheckinInterval: 3600,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	sw := result.Switch
	if !result.OK || result.SwitchID != sw.ID {
		t.Fatalf("unexpected result %#v", result)
	}
	if sw.State != StateArmed || sw.CheckinCount != 0 {
		t.Fatalf("unexpected initial state %#v", sw)
	}
	if sw.Label != DefaultLabel {
		t.Fatalf("expected default label, got %q", sw.Label)
	}
	if sw.Payload != "  keep my whitespace  " {
		t.Fatalf("payload must be stored verbatim, got %q", sw.Payload)
	}
	if sw.Recipients[0] != "alice@example.com" {
		t.Fatalf("recipient not trimmed: %q", sw.Recipients[0])
	}
	if sw.LastCheckin != testEpoch.UnixMilli() || sw.Deadline != testEpoch.UnixMilli()+3600*1000 {
		t.Fatalf("unexpected timing %#v", sw)
	}
	if result.DeadlineISO != "2026-03-01T13:00:00.000Z" {
		t.Fatalf("unexpected deadline iso %q", result.DeadlineISO)
	}
	if sw.TriggeredAt != nil || sw.DisarmedAt != nil {
		t.Fatalf("terminal timestamps must be unset")
	}

	stored, found, err := service.Get(context.Background(), sw.ID)
	if err != nil || !found {
		t.Fatalf("expected stored switch, found=%v err=%v", found, err)
	}
	if stored.Deadline != sw.Deadline || stored.Owner != testOwner {
		t.Fatalf("stored record differs: %#v", stored)
	}
}

func TestCheckInAdvancesDeadline(t *testing.T) {
	clock := newManualClock(testEpoch)
	service := newTestService(t, newTestStore(t), clock)
	sw := mustCreate(t, service, CreateRequest{CheckinInterval: 600})

	clock.Advance(5 * time.Minute)
	result, err := service.CheckIn(context.Background(), testOwner, sw.ID)
	if err != nil {
		t.Fatalf("checkin failed: %v", err)
	}
	expected := testEpoch.Add(5*time.Minute).UnixMilli() + 600*1000
	if result.NewDeadline != expected || result.CheckinCount != 1 {
		t.Fatalf("unexpected checkin result %#v", result)
	}
	if result.NewDeadlineISO != FormatISO(expected) {
		t.Fatalf("unexpected iso %q", result.NewDeadlineISO)
	}

	stored, _, _ := service.Get(context.Background(), sw.ID)
	if stored.Deadline != stored.LastCheckin+stored.CheckinInterval*1000 {
		t.Fatalf("deadline must equal last checkin plus interval: %#v", stored)
	}
}

func TestCheckInNeverMovesBackwards(t *testing.T) {
	clock := newManualClock(testEpoch)
	service := newTestService(t, newTestStore(t), clock)
	sw := mustCreate(t, service, CreateRequest{CheckinInterval: 600})

	clock.Set(testEpoch.Add(-time.Hour))
	result, err := service.CheckIn(context.Background(), testOwner, sw.ID)
	if err != nil {
		t.Fatalf("checkin failed: %v", err)
	}
	if result.NewDeadline != sw.Deadline {
		t.Fatalf("a lagging clock must not shorten the deadline: got %d want %d", result.NewDeadline, sw.Deadline)
	}
}

func TestMutationsRequireOwner(t *testing.T) {
	service := newTestService(t, newTestStore(t), newManualClock(testEpoch))
	armed := mustCreate(t, service, CreateRequest{})
	disarmed := mustCreate(t, service, CreateRequest{})
	if _, err := service.Disarm(context.Background(), testOwner, disarmed.ID); err != nil {
		t.Fatalf("disarm failed: %v", err)
	}

	for _, id := range []string{armed.ID, disarmed.ID} {
		if _, err := service.CheckIn(context.Background(), "intruder", id); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected unauthorized checkin on %s, got %v", id, err)
		}
		if _, err := service.Disarm(context.Background(), "intruder", id); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected unauthorized disarm on %s, got %v", id, err)
		}
	}

	stored, _, _ := service.Get(context.Background(), armed.ID)
	if stored.CheckinCount != 0 || stored.State != StateArmed {
		t.Fatalf("unauthorized calls must not change the record: %#v", stored)
	}
}

func TestUnknownSwitchIsNotFound(t *testing.T) {
	service := newTestService(t, newTestStore(t), newManualClock(testEpoch))
	if _, err := service.CheckIn(context.Background(), testOwner, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := service.Disarm(context.Background(), testOwner, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := service.Trigger(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, found, err := service.Get(context.Background(), "missing")
	if err != nil || found {
		t.Fatalf("expected a clean miss, found=%v err=%v", found, err)
	}
}

func TestTerminalStatesRejectMutations(t *testing.T) {
	service := newTestService(t, newTestStore(t), newManualClock(testEpoch))
	disarmed := mustCreate(t, service, CreateRequest{})
	triggered := mustCreate(t, service, CreateRequest{})

	result, err := service.Disarm(context.Background(), testOwner, disarmed.ID)
	if err != nil || !result.OK || result.Label != DefaultLabel {
		t.Fatalf("unexpected disarm result %#v err=%v", result, err)
	}
	if _, err := service.Trigger(context.Background(), triggered.ID); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}

	for _, id := range []string{disarmed.ID, triggered.ID} {
		before, _, _ := service.Get(context.Background(), id)
		if _, err := service.CheckIn(context.Background(), testOwner, id); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected invalid state on checkin of %s, got %v", id, err)
		}
		if _, err := service.Disarm(context.Background(), testOwner, id); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected invalid state on disarm of %s, got %v", id, err)
		}
		after, _, _ := service.Get(context.Background(), id)
		if after.UpdatedAt != before.UpdatedAt || after.State != before.State {
			t.Fatalf("terminal record changed: before=%#v after=%#v", before, after)
		}
	}

	outcome, err := service.Trigger(context.Background(), disarmed.ID)
	if err != nil {
		t.Fatalf("trigger of a disarmed switch must not error: %v", err)
	}
	if outcome.Triggered || outcome.Reason != "not_armed" {
		t.Fatalf("unexpected trigger outcome %#v", outcome)
	}
	inbox, err := service.Inbox(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("inbox failed: %v", err)
	}
	for _, message := range inbox {
		if message.SwitchID == disarmed.ID {
			t.Fatalf("disarmed switch delivered a payload")
		}
	}
}

func TestTriggerDeliversToEveryRecipientOnce(t *testing.T) {
	clock := newManualClock(testEpoch)
	service := newTestService(t, newTestStore(t), clock)
	sw := mustCreate(t, service, CreateRequest{
		Label:      "vault",
		Payload:    "combination 12-34-56",
		Recipients: []string{"alice@example.com", "bob@example.com", "alice@example.com"},
	})

	clock.Advance(2 * time.Hour)
	result, err := service.Trigger(context.Background(), sw.ID)
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	if !result.Triggered || result.Owner != testOwner || result.Label != "vault" {
		t.Fatalf("unexpected trigger result %#v", result)
	}
	if result.TriggeredAt != clock.Now().UnixMilli() {
		t.Fatalf("unexpected triggered_at %d", result.TriggeredAt)
	}
	if len(result.FailedDeliveries) != 0 {
		t.Fatalf("unexpected failures %#v", result.FailedDeliveries)
	}

	second, err := service.Trigger(context.Background(), sw.ID)
	if err != nil || second.Triggered {
		t.Fatalf("second trigger must be a soft no-op, got %#v err=%v", second, err)
	}

	for _, address := range []string{"alice@example.com", "bob@example.com"} {
		inbox, err := service.Inbox(context.Background(), address)
		if err != nil {
			t.Fatalf("inbox failed: %v", err)
		}
		if len(inbox) != 1 {
			t.Fatalf("expected exactly one message for %s, got %d", address, len(inbox))
		}
		message := inbox[0]
		if message.From != testOwner || message.SwitchID != sw.ID || message.Payload != "combination 12-34-56" || message.Label != "vault" {
			t.Fatalf("unexpected message %#v", message)
		}
		if message.DeliveredAt != result.TriggeredAt {
			t.Fatalf("delivered_at must equal triggered_at")
		}
	}

	stored, _, _ := service.Get(context.Background(), sw.ID)
	if stored.State != StateTriggered || stored.TriggeredAt == nil || *stored.TriggeredAt != result.TriggeredAt {
		t.Fatalf("unexpected stored record %#v", stored)
	}
}

func TestTriggerAppendsToExistingInbox(t *testing.T) {
	service := newTestService(t, newTestStore(t), newManualClock(testEpoch))
	first := mustCreate(t, service, CreateRequest{Label: "first"})
	second := mustCreate(t, service, CreateRequest{Label: "second"})

	for _, id := range []string{first.ID, second.ID} {
		if _, err := service.Trigger(context.Background(), id); err != nil {
			t.Fatalf("trigger failed: %v", err)
		}
	}
	inbox, err := service.Inbox(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("inbox failed: %v", err)
	}
	if len(inbox) != 2 || inbox[0].Label != "first" || inbox[1].Label != "second" {
		t.Fatalf("inbox must keep append order: %#v", inbox)
	}
}

func TestTriggerRecordsFailedDeliveries(t *testing.T) {
	store := &failingStore{Store: newTestStore(t), failKeys: map[string]bool{inboxKey("broken@example.com"): true}}
	service := newTestService(t, store, newManualClock(testEpoch))
	sw := mustCreate(t, service, CreateRequest{Recipients: []string{"alice@example.com", "broken@example.com", "carol@example.com"}})

	result, err := service.Trigger(context.Background(), sw.ID)
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	if !result.Triggered {
		t.Fatalf("partial delivery failure must not undo the trigger")
	}
	if len(result.FailedDeliveries) != 1 || result.FailedDeliveries[0].Recipient != "broken@example.com" {
		t.Fatalf("unexpected failures %#v", result.FailedDeliveries)
	}
	for _, address := range []string{"alice@example.com", "carol@example.com"} {
		inbox, _ := service.Inbox(context.Background(), address)
		if len(inbox) != 1 {
			t.Fatalf("expected delivery to %s despite failure elsewhere", address)
		}
	}

	delete(store.failKeys, inboxKey("broken@example.com"))
	redelivered, err := service.Redeliver(context.Background(), sw.ID)
	if err != nil {
		t.Fatalf("redeliver failed: %v", err)
	}
	if strings.Join(redelivered.Delivered, ",") != "broken@example.com" {
		t.Fatalf("unexpected redelivered set %v", redelivered.Delivered)
	}
	if len(redelivered.AlreadyDelivered) != 2 || len(redelivered.FailedDeliveries) != 0 {
		t.Fatalf("unexpected redeliver result %#v", redelivered)
	}
	inbox, _ := service.Inbox(context.Background(), "alice@example.com")
	if len(inbox) != 1 {
		t.Fatalf("redeliver duplicated an existing message")
	}
}

func TestRedeliverRequiresTriggeredSwitch(t *testing.T) {
	service := newTestService(t, newTestStore(t), newManualClock(testEpoch))
	sw := mustCreate(t, service, CreateRequest{})
	if _, err := service.Redeliver(context.Background(), sw.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if _, err := service.Redeliver(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListReturnsOwnedSummariesNewestFirst(t *testing.T) {
	clock := newManualClock(testEpoch)
	service := newTestService(t, newTestStore(t), clock)
	older := mustCreate(t, service, CreateRequest{Label: "older", Recipients: []string{"a@example.com", "b@example.com"}})
	clock.Advance(time.Minute)
	newer := mustCreate(t, service, CreateRequest{Label: "newer", CheckinInterval: 7260})
	mustCreate(t, service, CreateRequest{Owner: "someone-else"})

	summaries, err := service.List(context.Background(), testOwner)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected two summaries, got %d", len(summaries))
	}
	if summaries[0].ID != newer.ID || summaries[1].ID != older.ID {
		t.Fatalf("expected newest first, got %s then %s", summaries[0].ID, summaries[1].ID)
	}
	if summaries[1].Recipients != 2 {
		t.Fatalf("summary must carry the recipient count, got %d", summaries[1].Recipients)
	}
	if summaries[0].TimeRemaining != "2h 1m" {
		t.Fatalf("unexpected time remaining %q", summaries[0].TimeRemaining)
	}

	empty, err := service.List(context.Background(), "nobody")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty list, got %v err=%v", empty, err)
	}
}

func TestCheckInAllSkipsTerminalSwitches(t *testing.T) {
	clock := newManualClock(testEpoch)
	service := newTestService(t, newTestStore(t), clock)
	var armed []string
	for i := 0; i < 3; i++ {
		armed = append(armed, mustCreate(t, service, CreateRequest{}).ID)
	}
	for i := 0; i < 2; i++ {
		sw := mustCreate(t, service, CreateRequest{})
		if _, err := service.Trigger(context.Background(), sw.ID); err != nil {
			t.Fatalf("trigger failed: %v", err)
		}
	}
	mustCreate(t, service, CreateRequest{Owner: "someone-else"})

	clock.Advance(10 * time.Minute)
	result, err := service.CheckInAll(context.Background(), testOwner)
	if err != nil {
		t.Fatalf("checkin all failed: %v", err)
	}
	if !result.OK || result.CheckedIn != 3 || len(result.Results) != 3 || len(result.Failures) != 0 {
		t.Fatalf("unexpected result %#v", result)
	}
	for i, entry := range result.Results {
		if entry.SwitchID != armed[i] {
			t.Fatalf("unexpected switch %s at %d", entry.SwitchID, i)
		}
		if entry.NewDeadline != clock.Now().UnixMilli()+3600*1000 {
			t.Fatalf("unexpected deadline %d", entry.NewDeadline)
		}
	}
}

func TestInboxUnknownAddressIsEmpty(t *testing.T) {
	service := newTestService(t, newTestStore(t), newManualClock(testEpoch))
	inbox, err := service.Inbox(context.Background(), "nobody@example.com")
	if err != nil {
		t.Fatalf("inbox failed: %v", err)
	}
	if inbox == nil || len(inbox) != 0 {
		t.Fatalf("expected an empty non-nil inbox, got %#v", inbox)
	}
}
