package broker

// DropConnection closes the AMQP connection the way a network failure would.
func DropConnection(b *AMQP) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn.Close()
}
