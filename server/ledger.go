package server

import (
	"sync"
	"time"

	"cpgw/models"
	"cpgw/utility"
)

var ErrConnectorBusy = utility.Err("connector already has an open transaction")
var ErrTransactionNotFound = utility.Err("no open transaction with this id")

type openKey struct {
	chargePointId string
	connectorId   int
}

// Ledger holds the charging transactions known to the gateway. Open
// transactions are unique per (charge point, connector); closed ones are
// retained for audit. All reads hand out copies so reporting never observes
// a half-updated record.
type Ledger struct {
	mux          sync.Mutex
	transactions map[int]*models.Transaction
	open         map[openKey]int
	nextId       int
}

func NewLedger() *Ledger {
	return &Ledger{
		transactions: make(map[int]*models.Transaction),
		open:         make(map[openKey]int),
	}
}

func (l *Ledger) Open(chargePointId string, connectorId int, idTag string, meterStart int, timeStart time.Time) (models.Transaction, error) {
	l.mux.Lock()
	defer l.mux.Unlock()
	key := openKey{chargePointId: chargePointId, connectorId: connectorId}
	if _, ok := l.open[key]; ok {
		return models.Transaction{}, ErrConnectorBusy
	}
	transaction := &models.Transaction{
		Id:            l.nextId,
		ChargePointId: chargePointId,
		ConnectorId:   connectorId,
		IdTag:         idTag,
		MeterStart:    meterStart,
		TimeStart:     timeStart,
	}
	l.nextId += 1
	l.transactions[transaction.Id] = transaction
	l.open[key] = transaction.Id
	return *transaction, nil
}

func (l *Ledger) Close(chargePointId string, transactionId int, meterStop int, timeStop time.Time, reason string) (models.Transaction, error) {
	l.mux.Lock()
	defer l.mux.Unlock()
	transaction, ok := l.transactions[transactionId]
	if !ok || transaction.ChargePointId != chargePointId || transaction.IsFinished {
		return models.Transaction{}, ErrTransactionNotFound
	}
	transaction.IsFinished = true
	transaction.MeterStop = meterStop
	transaction.TimeStop = timeStop
	transaction.Reason = reason
	delete(l.open, openKey{chargePointId: chargePointId, connectorId: transaction.ConnectorId})
	return *transaction, nil
}

func (l *Ledger) Get(transactionId int) (models.Transaction, bool) {
	l.mux.Lock()
	defer l.mux.Unlock()
	transaction, ok := l.transactions[transactionId]
	if !ok {
		return models.Transaction{}, false
	}
	return *transaction, true
}

// Active reports the open transactions as a snapshot.
func (l *Ledger) Active() []models.Transaction {
	l.mux.Lock()
	defer l.mux.Unlock()
	active := make([]models.Transaction, 0, len(l.open))
	for _, id := range l.open {
		active = append(active, *l.transactions[id])
	}
	return active
}
