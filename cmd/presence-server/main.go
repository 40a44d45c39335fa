// Command presence-server runs the WebSocket presence gateway on top of Redis
// state and locks, with Redis, NATS or Kafka as the message transport.
package main

func main() {
	Execute()
}
