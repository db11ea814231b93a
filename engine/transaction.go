package engine

import (
	"fmt"
	"time"
)

// ConnID identifies one accepted connection. IDs are never reused within a run.
type ConnID uint64

// ClientID identifies a registered client in registration order.
type ClientID int

// NoClient is the ClientID of a connection that has not registered.
const NoClient ClientID = -1

// MaxWork is the largest work amount a transaction may request.
const MaxWork = 1_000_000

// Transaction is one unit of requested work.
type Transaction struct {
	Seq        int64     `json:"seq"`
	Conn       ConnID    `json:"conn"`
	Client     ClientID  `json:"client"`
	Work       int       `json:"work"`
	ReceivedAt time.Time `json:"received_at"`
}

// NewTransaction creates a transaction stamped with the current time.
func NewTransaction(seq int64, conn ConnID, client ClientID, work int) Transaction {
	return Transaction{
		Seq:        seq,
		Conn:       conn,
		Client:     client,
		Work:       work,
		ReceivedAt: time.Now(),
	}
}

// Validate checks if the transaction has required fields.
func (tx Transaction) Validate() error {
	if tx.Seq <= 0 {
		return fmt.Errorf("%w: sequence number must be positive", ErrInvalidTx)
	}
	if tx.Client < 0 {
		return fmt.Errorf("%w: transaction has no client", ErrInvalidTx)
	}
	if tx.Work < 0 || tx.Work > MaxWork {
		return fmt.Errorf("%w: work amount %d outside [0, %d]", ErrInvalidTx, tx.Work, MaxWork)
	}
	return nil
}
