package main

import (
	"github.com/codewandler/evsrc/core/es"
	"github.com/codewandler/evsrc/core/es/assert"
)

type (
	Account struct {
		es.BaseAggregate

		Owner   string `json:"owner"`
		Balance int64  `json:"balance"`
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

func NewAccount(id string) *Account {
	a := &Account{}
	a.Init("account", id,
		es.On(func(e *Opened) { a.Owner = e.Owner }),
		es.On(func(e *Deposited) { a.Balance += e.Amount }),
		es.On(func(e *Withdrawn) { a.Balance -= e.Amount }),
	)
	return a
}

func (a *Account) Open(owner string) error {
	return a.Checked(
		assert.True(a.GetVersion() == 0, "account already opened"),
		es.RaiseAndApplyD(a, &Opened{Owner: owner}),
	)
}

func (a *Account) Deposit(amount int64) error {
	return a.Checked(
		assert.True(amount > 0, "amount must be positive"),
		es.RaiseAndApplyD(a, &Deposited{Amount: amount}),
	)
}

func (a *Account) Withdraw(amount int64) error {
	return a.Checked(
		assert.All(
			assert.True(amount > 0, "amount must be positive"),
			assert.True(amount <= a.Balance, "insufficient funds"),
		),
		es.RaiseAndApplyD(a, &Withdrawn{Amount: amount}),
	)
}

// === commands ===

type (
	OpenAccount struct{ Owner string }
	Deposit     struct{ Amount int64 }
	Withdraw    struct{ Amount int64 }
)

func (OpenAccount) CommandType() string { return "account.open" }
func (Deposit) CommandType() string     { return "account.deposit" }
func (Withdraw) CommandType() string    { return "account.withdraw" }

// === read model ===

type Balance struct {
	Owner   string `json:"owner"`
	Balance int64  `json:"balance"`
}

func balanceFolds() []es.ProjectionFold[Balance] {
	return []es.ProjectionFold[Balance]{
		es.ProjectOn(func(m *Balance, e *Opened, _ es.Envelope) error {
			m.Owner = e.Owner
			return nil
		}),
		es.ProjectOn(func(m *Balance, e *Deposited, _ es.Envelope) error {
			m.Balance += e.Amount
			return nil
		}),
		es.ProjectOn(func(m *Balance, e *Withdrawn, _ es.Envelope) error {
			m.Balance -= e.Amount
			return nil
		}),
	}
}
