package transport

// Conn is one persistent client connection. Read blocks until the next
// inbound frame arrives or the connection fails. Write must be safe for
// concurrent use: the action loop and the update pusher share one
// connection. Close is idempotent.
type Conn interface {
	Read() ([]byte, error)
	Write(v any) error
	Close() error
}
