package sdk

import "go.uber.org/zap"

// Context is what a view gets when it is mounted.
type Context interface {
	Log() *zap.Logger
	Bus() Bus
	Sender() Sender
	// OnConnect registers fn to run every time the connection opens.
	// The returned func removes the registration.
	OnConnect(fn func()) (remove func())
	Config() map[string]interface{}
}
