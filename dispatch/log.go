package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"outreach/utils"
)

// LogDispatcher only logs messages. Used in development.
type LogDispatcher struct {
	Logger logrus.FieldLogger
}

func (d *LogDispatcher) Dispatch(_ context.Context, msg Message) (string, error) {
	id := fmt.Sprintf("<%s@outreach.local>", uuid.NewString())
	d.Logger.WithFields(logrus.Fields{
		"to":         utils.MaskEmail(msg.To),
		"subject":    msg.Subject,
		"message_id": id,
	}).Info("Message dispatched (log only)")
	return id, nil
}
