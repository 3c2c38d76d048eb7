// Package nodes assembles the built-in node catalog.
package nodes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/reactor/pkg/expression"
	"github.com/dukex/reactor/pkg/nodes/conditional"
	"github.com/dukex/reactor/pkg/nodes/httprequest"
	lognode "github.com/dukex/reactor/pkg/nodes/log"
	"github.com/dukex/reactor/pkg/nodes/transform"
	"github.com/dukex/reactor/pkg/nodes/trigger"
	"github.com/dukex/reactor/pkg/protocol"
)

type Options struct {
	Logger *slog.Logger
	// TickInterval must match the scheduler's, the schedule trigger uses it as its window.
	TickInterval time.Duration
	Expressions  *expression.Engine
	HTTPClient   *http.Client
}

// Builtin returns one instance of every built-in trigger and action.
func Builtin(options Options) []protocol.Node {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	if options.Expressions == nil {
		options.Expressions = expression.NewEngine()
	}

	if options.TickInterval <= 0 {
		options.TickInterval = time.Second
	}

	return []protocol.Node{
		trigger.NewWebhook(),
		trigger.NewSchedule(options.TickInterval),
		trigger.NewQueue(),
		conditional.NewNode(options.Expressions),
		lognode.NewNode(options.Logger.With("node", lognode.ID)),
		transform.NewNode(),
		httprequest.NewNode(options.HTTPClient),
	}
}
