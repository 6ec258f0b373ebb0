package chat

// Channel delivers events to live connections. Sends to unknown or closed
// connections are dropped.
type Channel interface {
	// EmitTo sends ev to a single connection, including the caller's own.
	EmitTo(connID string, ev Event)
	// BroadcastExcept sends ev to every connection except connID.
	BroadcastExcept(connID string, ev Event)
	BroadcastAll(ev Event)
	// Close terminates a connection. Its disconnect is reported as usual.
	Close(connID string)
}
