package queue

import (
	"time"
)

type Type string

const (
	TypeStart Type = "start"
	TypeJump  Type = "jump"
	TypeEnd   Type = "end"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further status change is accepted.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Transaction is one durable record of an attempted ledger operation.
// The JSON field names are the persisted log format.
type Transaction struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Status    Status         `json:"status"`
	Timestamp int64          `json:"timestamp"` // milliseconds since epoch
	Hash      string         `json:"hash,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Time returns Timestamp as a time.Time.
func (tx Transaction) Time() time.Time {
	return time.UnixMilli(tx.Timestamp)
}

func (tx Transaction) clone() Transaction {
	if tx.Data != nil {
		data := make(map[string]any, len(tx.Data))
		for k, v := range tx.Data {
			data[k] = v
		}
		tx.Data = data
	}
	return tx
}

// NowMillis is the timestamp callers stamp new entries with.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
