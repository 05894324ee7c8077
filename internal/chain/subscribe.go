package chain

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/ethereum/go-ethereum/core/types"

	"pongrelay/internal/relay"
)

// Subscribe streams RequestRaised events into out until ctx is done or the
// subscription drops. A drop is returned as an error so the caller can catch
// up by range scan before subscribing again.
func (c *Client) Subscribe(ctx context.Context, out chan<- relay.Event) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logsCh := make(chan types.Log, 256)
	sub, err := c.eth.SubscribeFilterLogs(sessionCtx, requestQuery(c.contract), logsCh)
	if err != nil {
		return fmt.Errorf("subscribe RequestRaised: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-sub.Err():
			if err == nil {
				err = errors.New("log subscription ended")
			}
			return err

		case vLog := <-logsCh:
			if vLog.Removed {
				continue
			}
			ev, err := DecodeRequestLog(vLog)
			if err != nil {
				log.Printf("[warn] [live] decode RequestRaised failed: %v", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
