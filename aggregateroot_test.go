package eventsource_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/gofrs/uuid"

	"github.com/kvisthall/eventsource"
	"github.com/kvisthall/eventsource/core"
)

// Account is the aggregate used throughout the package tests.
type Account struct {
	eventsource.AggregateRoot
	Owner   string
	Balance int
	Closed  bool
}

type AccountOpened struct {
	Owner string
}

type Deposited struct {
	Amount int
}

type Withdrawn struct {
	Amount int
}

// CreateAccount constructor for Account
func CreateAccount(owner string) (*Account, error) {
	if owner == "" {
		return nil, errors.New("owner must be set")
	}
	account := Account{}
	data, err := json.Marshal(AccountOpened{Owner: owner})
	if err != nil {
		return nil, err
	}
	account.TrackChange(&account, "AccountOpened", data)
	return &account, nil
}

func (a *Account) Deposit(amount int) error {
	if amount <= 0 {
		return errors.New("deposit must be positive")
	}
	data, err := json.Marshal(Deposited{Amount: amount})
	if err != nil {
		return err
	}
	a.TrackChange(a, "Deposited", data)
	return nil
}

func (a *Account) Withdraw(amount int) error {
	if amount > a.Balance {
		return errors.New("insufficient balance")
	}
	data, err := json.Marshal(Withdrawn{Amount: amount})
	if err != nil {
		return err
	}
	a.TrackChange(a, "Withdrawn", data)
	return nil
}

func (a *Account) CloseAccount() {
	a.TrackChange(a, "AccountClosed", []byte(`{}`))
}

// Transition builds the account state from events
func (a *Account) Transition(event core.Event) {
	switch event.EventType {
	case "AccountOpened":
		var e AccountOpened
		json.Unmarshal(event.Data, &e)
		a.Owner = e.Owner
	case "Deposited":
		var e Deposited
		json.Unmarshal(event.Data, &e)
		a.Balance += e.Amount
	case "Withdrawn":
		var e Withdrawn
		json.Unmarshal(event.Data, &e)
		a.Balance -= e.Amount
	case "AccountClosed":
		a.Closed = true
	}
}

func TestCreateAccount(t *testing.T) {
	account, err := CreateAccount("kalle")
	if err != nil {
		t.Fatal(err)
	}
	if account.ID() == "" {
		t.Fatal("aggregate id should be generated on the first tracked change")
	}
	if account.Version() != 1 {
		t.Fatalf("expected version 1, got %d", account.Version())
	}
	if account.StoredVersion() != 0 {
		t.Fatalf("expected stored version 0 before save, got %d", account.StoredVersion())
	}
	if !account.UnsavedEvents() {
		t.Fatal("expected unsaved events")
	}
	if account.Owner != "kalle" {
		t.Fatalf("transition should have set the owner, got %q", account.Owner)
	}
}

func TestSetIDOnExistingAggregate(t *testing.T) {
	account, err := CreateAccount("kalle")
	if err != nil {
		t.Fatal(err)
	}
	if err := account.SetID("account-7"); !errors.Is(err, eventsource.ErrAggregateAlreadyExists) {
		t.Fatalf("expected ErrAggregateAlreadyExists, got %v", err)
	}
}

func TestSetIDBeforeFirstEvent(t *testing.T) {
	account := Account{}
	if err := account.SetID("account-7"); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(AccountOpened{Owner: "kalle"})
	if err != nil {
		t.Fatal(err)
	}
	account.TrackChange(&account, "AccountOpened", data)
	if account.ID() != "account-7" {
		t.Fatalf("expected the manually set id, got %q", account.ID())
	}
}

func TestSetIDFunc(t *testing.T) {
	eventsource.SetIDFunc(func() string { return "generated-1" })
	defer eventsource.SetIDFunc(func() string {
		return uuid.Must(uuid.NewV4()).String()
	})

	account, err := CreateAccount("kalle")
	if err != nil {
		t.Fatal(err)
	}
	if account.ID() != "generated-1" {
		t.Fatalf("expected id from the id func, got %q", account.ID())
	}
}

func TestBuildFromHistory(t *testing.T) {
	opened, _ := json.Marshal(AccountOpened{Owner: "kalle"})
	deposited, _ := json.Marshal(Deposited{Amount: 100})
	history := []core.Event{
		{AggregateID: "account-1", AggregateType: "Account", EventType: "AccountOpened", Version: 1, GlobalVersion: 7, Data: opened},
		{AggregateID: "account-1", AggregateType: "Account", EventType: "Deposited", Version: 2, GlobalVersion: 8, Data: deposited},
	}

	account := Account{}
	if err := account.BuildFromHistory(&account, history); err != nil {
		t.Fatal(err)
	}
	if account.ID() != "account-1" {
		t.Fatalf("expected id from history, got %q", account.ID())
	}
	if account.Version() != 2 {
		t.Fatalf("expected version 2, got %d", account.Version())
	}
	if account.GlobalVersion() != 8 {
		t.Fatalf("expected global version 8, got %d", account.GlobalVersion())
	}
	if account.Balance != 100 {
		t.Fatalf("expected balance 100, got %d", account.Balance)
	}
	if account.UnsavedEvents() {
		t.Fatal("replayed events must not count as unsaved")
	}
}

func TestBuildFromHistoryVersionGap(t *testing.T) {
	opened, _ := json.Marshal(AccountOpened{Owner: "kalle"})
	history := []core.Event{
		{AggregateID: "account-1", AggregateType: "Account", EventType: "AccountOpened", Version: 1, Data: opened},
		{AggregateID: "account-1", AggregateType: "Account", EventType: "Deposited", Version: 3, Data: []byte(`{}`)},
	}

	account := Account{}
	err := account.BuildFromHistory(&account, history)
	if !errors.Is(err, core.ErrReplayVersionGap) {
		t.Fatalf("expected replay version gap, got %v", err)
	}
	var replayErr *core.ReplayError
	if !errors.As(err, &replayErr) {
		t.Fatalf("expected *core.ReplayError, got %T", err)
	}
	if replayErr.Expected != 2 || replayErr.Got != 3 {
		t.Fatalf("expected gap 2/3, got %d/%d", replayErr.Expected, replayErr.Got)
	}
}

func TestVersionIncludesUnsavedEvents(t *testing.T) {
	account, err := CreateAccount("kalle")
	if err != nil {
		t.Fatal(err)
	}
	if err := account.Deposit(10); err != nil {
		t.Fatal(err)
	}
	if account.Version() != 2 {
		t.Fatalf("expected version 2 with unsaved events, got %d", account.Version())
	}
	if account.StoredVersion() != 0 {
		t.Fatalf("expected stored version 0, got %d", account.StoredVersion())
	}
	events := account.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 unsaved events, got %d", len(events))
	}
	if events[1].Version != 2 {
		t.Fatalf("unsaved events must be versioned in order, got %d", events[1].Version)
	}
}

func TestTrackChangeWithMetadata(t *testing.T) {
	account := Account{}
	account.TrackChangeWithMetadata(&account, "AccountOpened", []byte(`{"owner":"kalle"}`), map[string]string{"channel": "web"})
	events := account.Events()
	if events[0].Metadata["channel"] != "web" {
		t.Fatalf("expected metadata to be tracked, got %v", events[0].Metadata)
	}
	if events[0].AggregateType != "Account" {
		t.Fatalf("expected aggregate type from the type name, got %q", events[0].AggregateType)
	}
}
