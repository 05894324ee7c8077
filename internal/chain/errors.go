package chain

import (
	"fmt"
	"strings"

	"pongrelay/internal/relay"
)

// classifySendError maps node rejections onto the relay's sentinel errors.
// known reports that the node already has this exact transaction.
func classifySendError(err error) (known bool, out error) {
	if err == nil {
		return false, nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"),
		strings.Contains(msg, "known transaction"):
		return true, nil
	case strings.Contains(msg, "nonce too low"):
		return false, fmt.Errorf("%w: %v", relay.ErrNonceTooLow, err)
	case strings.Contains(msg, "underpriced"),
		strings.Contains(msg, "fee too low"),
		strings.Contains(msg, "max fee per gas less than block base fee"):
		return false, fmt.Errorf("%w: %v", relay.ErrUnderpriced, err)
	case strings.Contains(msg, "insufficient funds"):
		return false, fmt.Errorf("%w: %v", relay.ErrInsufficientBalance, err)
	default:
		return false, err
	}
}
