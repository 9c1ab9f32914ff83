package driven

import (
	"context"

	"github.com/ericfisherdev/reviewready/internal/domain/model"
)

// ChatTransport defines the driven port for delivering a notice to the
// configured chat room. A nil error means the message was accepted by the
// chat service.
type ChatTransport interface {
	Send(ctx context.Context, msg model.Message) error
}
