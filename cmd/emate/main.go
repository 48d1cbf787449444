// Command emate runs the hybrid decision core: the HTTP and WebSocket
// service, one-shot decisions, fixture replays and store inspection.
package main

func main() {
	Execute()
}
