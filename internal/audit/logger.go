package audit

import (
	"encoding/json"
	"log"
	"time"
)

type Event struct {
	Timestamp             time.Time `json:"timestamp"`
	EventType             string    `json:"event_type"`
	ManagerID             string    `json:"manager_id,omitempty"`
	ExternalTransactionID string    `json:"external_transaction_id,omitempty"`
	Amount                int64     `json:"amount"`
	ResultingBalance      int64     `json:"resulting_balance"`
	Status                string    `json:"status"`
	Details               any       `json:"details,omitempty"`
}

// Logger emits one structured line per ledger operation. The durable audit
// trail lives in ledger_entries; these lines are for live support triage.
type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogCredit(managerID, externalTxID string, credits, newBalance int64) {
	a.log(Event{
		Timestamp:             time.Now(),
		EventType:             "CREDIT",
		ManagerID:             managerID,
		ExternalTransactionID: externalTxID,
		Amount:                credits,
		ResultingBalance:      newBalance,
		Status:                "APPLIED",
	})
}

func (a *Logger) LogDebit(managerID, operation string, amount, newBalance int64, details any) {
	a.log(Event{
		Timestamp:        time.Now(),
		EventType:        "DEBIT",
		ManagerID:        managerID,
		Amount:           -amount,
		ResultingBalance: newBalance,
		Status:           "APPLIED",
		Details:          map[string]any{"operation": operation, "context": details},
	})
}

func (a *Logger) LogRejected(managerID, externalTxID, reason string, amount int64) {
	a.log(Event{
		Timestamp:             time.Now(),
		EventType:             "REJECTED",
		ManagerID:             managerID,
		ExternalTransactionID: externalTxID,
		Amount:                amount,
		Status:                "REJECTED",
		Details:               map[string]string{"reason": reason},
	})
}

func (a *Logger) LogError(managerID, externalTxID string, err error) {
	a.log(Event{
		Timestamp:             time.Now(),
		EventType:             "ERROR",
		ManagerID:             managerID,
		ExternalTransactionID: externalTxID,
		Status:                "FAILED",
		Details:               map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
