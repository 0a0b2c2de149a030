package domain

import (
	"encoding/json"

	"github.com/codewandler/evsrc/core/es"
	"github.com/codewandler/evsrc/core/es/assert"
)

// === Account ===

type (
	Account struct {
		es.BaseAggregate

		Owner   string `json:"owner,omitempty"`
		Balance int64  `json:"balance"`
		Ops     int    `json:"ops"`
	}

	Opened struct {
		Owner string `json:"owner"`
	}
	Deposited struct {
		Amount int64 `json:"amount"`
	}
	Withdrawn struct {
		Amount int64 `json:"amount"`
	}
)

func (Opened) EventType() string    { return "account.opened" }
func (Deposited) EventType() string { return "account.deposited" }
func (Withdrawn) EventType() string { return "account.withdrawn" }

func (e *Deposited) Validate() error {
	return assert.True(e.Amount > 0, "amount must be positive").Check()
}

func (e *Withdrawn) Validate() error {
	return assert.True(e.Amount > 0, "amount must be positive").Check()
}

func NewAccount(id string) *Account {
	a := &Account{}
	a.Init("account", id,
		es.On(func(e *Opened) { a.Owner = e.Owner }),
		es.On(func(e *Deposited) {
			a.Balance += e.Amount
			a.Ops++
		}),
		es.On(func(e *Withdrawn) {
			a.Balance -= e.Amount
			a.Ops++
		}),
	)
	return a
}

func (a *Account) Open(owner string) error {
	return a.Checked(
		assert.All(
			assert.True(a.GetVersion() == 0 && len(a.Uncommitted()) == 0, "account already opened"),
			assert.True(owner != "", "owner is required"),
		),
		es.RaiseAndApplyD(a, &Opened{Owner: owner}),
	)
}

func (a *Account) Deposit(amount int64) error {
	return es.RaiseAndApply(a, &Deposited{Amount: amount})
}

func (a *Account) Withdraw(amount int64) error {
	return a.Checked(
		assert.True(amount <= a.Balance, "insufficient funds"),
		es.RaiseAndApplyD(a, &Withdrawn{Amount: amount}),
	)
}

// === Counter ===

// Counter encodes its own snapshots.
type (
	Counter struct {
		es.BaseAggregate

		Value  int `json:"value"`
		Resets int `json:"resets"`
		Total  int `json:"total"`
	}

	Incremented struct {
		Inc   int  `json:"inc,omitempty"`
		Reset bool `json:"reset,omitempty"`
	}
)

func NewCounter(id string) *Counter {
	c := &Counter{}
	c.Init("counter", id,
		es.On(func(e *Incremented) {
			c.Total++
			c.Value += e.Inc
			if e.Reset {
				c.Value = 0
				c.Resets++
			}
		}),
	)
	return c
}

func (c *Counter) Snapshot() ([]byte, error)         { return json.Marshal(c) }
func (c *Counter) RestoreSnapshot(data []byte) error { return json.Unmarshal(data, c) }

func (c *Counter) Inc() error   { return c.IncBy(1) }
func (c *Counter) Reset() error { return es.RaiseAndApply(c, &Incremented{Reset: true}) }
func (c *Counter) IncBy(v int) error {
	return c.Checked(
		assert.True(c.Value+v <= 24, "counter cannot exceed 24"),
		es.RaiseAndApplyD(c, &Incremented{Inc: v}),
	)
}

var _ es.Snapshottable = (*Counter)(nil)
