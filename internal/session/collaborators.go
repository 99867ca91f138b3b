package session

import "time"

// AttributeStore is the out-of-scope "repository of device attributes
// and server configuration" collaborator (spec.md §6), keyed by
// device id.
type AttributeStore interface {
	GetCoreAttributes(deviceID string) (map[string]string, error)
	SetCoreAttribute(deviceID, key, value string) error
}

// API is the out-of-scope upstream API client collaborator.
type API interface {
	LinkDevice(deviceID, claimCode, productID string) error
	SafeMode(deviceID string, payload []byte) error
}

// FirmwareStore is the out-of-scope on-disk firmware store, a
// read-only lookup by app name and environment.
type FirmwareStore interface {
	KnownFirmware(appName, environment string) ([]byte, error)
}

// PublishedEvent is the record published up or delivered down
// (spec.md §3 "Event record").
type PublishedEvent struct {
	Name        string
	IsPublic    bool
	TTL         int
	Data        []byte
	PublisherID string
	PublishedAt time.Time
}

// Subscriber is what a session registers with the Publisher so
// published events addressed to it are delivered back into the
// session's actor loop rather than processed on the publisher's own
// goroutine.
type Subscriber interface {
	Deliver(event PublishedEvent)
}

// Publisher is the narrow interface the session calls to publish and
// subscribe (spec.md §4.7); the session never introspects the
// publisher beyond these two calls.
type Publisher interface {
	Publish(isPublic bool, name, userID string, data []byte, ttl int, publishedAt time.Time, deviceID string) (accepted bool)
	Subscribe(name, userID, deviceIDFilter string, subscriber Subscriber) (cancel func())
}
