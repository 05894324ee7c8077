package relay

import "context"

// LiveSource pushes RequestRaised events as they are mined. Subscribe blocks
// until ctx is done or the subscription fails. It never closes out and must
// give up a pending send once ctx is done.
type LiveSource interface {
	Subscribe(ctx context.Context, out chan<- Event) error
}

// startLive runs src in its own goroutine. The returned error channel receives
// exactly one value when the subscription ends.
func startLive(ctx context.Context, src LiveSource, buf int) (<-chan Event, <-chan error) {
	events := make(chan Event, buf)
	errc := make(chan error, 1)
	go func() {
		errc <- src.Subscribe(ctx, events)
	}()
	return events, errc
}
