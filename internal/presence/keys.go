package presence

import (
	"github.com/google/uuid"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

const (
	presencePrefix       = "presence::"
	managersKey          = "presence::managers"
	clientsPrefix        = "presence::clients::"
	managerChannelPrefix = "presence::manager::"

	pingMessage = "ping"
)

// presenceKey is the coordination store key holding the owner of a device.
func presenceKey(accountID uuid.UUID, deviceID int64) string {
	return presencePrefix + delivery.PresenceKey{AccountID: accountID, DeviceID: deviceID}.String()
}

// clientsKey is the set of presence keys a manager believes it owns.
func clientsKey(managerID string) string {
	return clientsPrefix + managerID
}

// managerChannel is the channel a live manager stays subscribed to.
func managerChannel(managerID string) string {
	return managerChannelPrefix + managerID
}
