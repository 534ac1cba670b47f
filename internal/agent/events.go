package agent

import (
	"sync/atomic"

	"github.com/nick1udwig/spider/pkg/models"
)

// Status values reported while a chat runs.
const (
	StatusProcessing = "processing"
	StatusComplete   = "complete"
	StatusCancelled  = "cancelled"
)

// EventSink receives loop progress while a chat runs. Streaming transports
// forward events to the client; request/response transports use NopSink and
// only see the terminal result. Terminal chat_complete and error events are
// the caller's job, derived from Run's return values.
type EventSink interface {
	// Status reports a lifecycle change: processing, complete, cancelled.
	Status(status, message string)
	// Stream announces an iteration, and before tool execution carries the
	// calls about to run.
	Stream(iteration int, message string, toolCalls []models.ToolCall)
	// Message delivers each message the loop appends, in order.
	Message(msg models.Message)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Status(string, string)                 {}
func (NopSink) Stream(int, string, []models.ToolCall) {}
func (NopSink) Message(models.Message)                {}

// CancelFlag requests loop termination. The loop observes it at iteration
// boundaries only; an in-flight completion or tool call runs to its end.
type CancelFlag struct {
	flag atomic.Bool
}

// Cancel requests termination.
func (c *CancelFlag) Cancel() {
	c.flag.Store(true)
}

// Cancelled reports whether termination was requested.
func (c *CancelFlag) Cancelled() bool {
	return c.flag.Load()
}
