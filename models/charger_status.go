package models

import "time"

// ChargerStatus is the availability record pushed to the external metadata
// store whenever the operational state of a charge point changes.
type ChargerStatus struct {
	ChargePointId string    `json:"charge_point_id" bson:"charge_point_id"`
	State         string    `json:"state" bson:"state"`
	Time          time.Time `json:"time" bson:"time"`
}

const ChargerStatusDataType = "chargerStatus"

func (s *ChargerStatus) DataType() string {
	return ChargerStatusDataType
}
