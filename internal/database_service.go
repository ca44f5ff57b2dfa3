package internal

import "cpgw/models"

type Database interface {
	WriteLogMessage(data Data) error
	AddTransaction(transaction *models.Transaction) error
	UpdateTransaction(transaction *models.Transaction) error
	UpdateChargerStatus(status *models.ChargerStatus) error
	GetSubscriptions() ([]models.UserSubscription, error)
	AddSubscription(subscription *models.UserSubscription) error
	DeleteSubscription(subscription *models.UserSubscription) error
}

type Data interface {
	DataType() string
}
