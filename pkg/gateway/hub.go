package gateway

import (
	"fmt"
	"strconv"

	"pulsespace/pkg/logger"

	"github.com/juju/pubsub/v2"
)

// hubLogger routes juju/pubsub diagnostics into the service logger.
type hubLogger struct{}

func (hubLogger) Errorf(format string, args ...interface{}) {
	logger.Error("hub_error", "detail", fmt.Sprintf(format, args...))
}
func (hubLogger) Warningf(format string, args ...interface{}) {
	logger.Warn("hub_warning", "detail", fmt.Sprintf(format, args...))
}
func (hubLogger) Infof(format string, args ...interface{}) {
	logger.Info("hub_info", "detail", fmt.Sprintf(format, args...))
}
func (hubLogger) Debugf(format string, args ...interface{}) {
	logger.Debug("hub_debug", "detail", fmt.Sprintf(format, args...))
}
func (hubLogger) Tracef(string, ...interface{}) {}

func newHub() *pubsub.SimpleHub {
	return pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{Logger: hubLogger{}})
}

// readTopic is the hub topic carrying read position changes of one member.
func readTopic(memberID int64) string {
	return "member." + strconv.FormatInt(memberID, 10) + ".read"
}
