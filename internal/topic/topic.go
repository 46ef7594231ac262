// Package topic integrates the local pub/sub wrapper with the shadow
// request handlers: it subscribes once to the shadow request wildcard,
// filters out response topics, decomposes request topics into
// (thing, shadow, operation) and dispatches to the matching handler.
package topic

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/edgegatekit/shadowmgr/internal/handlers"
	"github.com/edgegatekit/shadowmgr/internal/logger"
	"github.com/edgegatekit/shadowmgr/internal/pubsub"
)

// responseSuffixes names the outcome suffixes a dispatched event must
// never be routed on, since they are published by the handlers themselves
// in reaction to a request, not requests in their own right.
var responseSuffixes = map[string]bool{
	string(pubsub.SuffixAccepted):  true,
	string(pubsub.SuffixRejected):  true,
	string(pubsub.SuffixDelta):     true,
	string(pubsub.SuffixDocuments): true,
}

// Dispatcher is the subset of handlers.Handlers the integrator calls.
// handlers.Handlers satisfies it directly.
type Dispatcher interface {
	Get(ctx context.Context, req handlers.Request) (handlers.Response, error)
	Update(ctx context.Context, req handlers.Request) (handlers.Response, error)
	Delete(ctx context.Context, req handlers.Request) (handlers.Response, error)
	List(ctx context.Context, req handlers.Request) (handlers.Response, error)
}

// listRequestBody is the optional JSON body a ListNamedShadowsForThing
// request carries on the "list" request topic; an empty payload lists the
// first page with the default page size.
type listRequestBody struct {
	NextToken string `json:"nextToken"`
	PageSize  int    `json:"pageSize"`
}

// Integrator bridges pubsub.Wrapper messages to handlers.Handlers calls.
type Integrator struct {
	PubSub   *pubsub.Wrapper
	Handlers Dispatcher

	subscribed bool
}

// Subscribe registers the integrator's dispatch loop against the shadow
// request wildcard. It is idempotent: calling it twice registers one
// broker-level subscription, matching pubsub.Wrapper's own per-filter
// deduplication.
func (in *Integrator) Subscribe() error {
	if in.subscribed {
		return nil
	}
	if err := in.PubSub.Subscribe(pubsub.RequestWildcard, in.onMessage); err != nil {
		return err
	}
	in.subscribed = true
	return nil
}

// Unsubscribe tears down the dispatch loop's broker-level subscription.
// Idempotent: calling it when not subscribed is a no-op.
func (in *Integrator) Unsubscribe() error {
	if !in.subscribed {
		return nil
	}
	if err := in.PubSub.Unsubscribe(pubsub.RequestWildcard); err != nil {
		return err
	}
	in.subscribed = false
	return nil
}

// isResponseMessage reports whether topic is one of the outcome topics a
// handler publishes (accepted/rejected/delta/documents), as opposed to a
// request topic a client publishes to.
func isResponseMessage(topic string) bool {
	idx := lastSlash(topic)
	if idx < 0 {
		return false
	}
	return responseSuffixes[topic[idx+1:]]
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

// onMessage is the single consumer registered with the local broker. It
// drops response topics, decomposes request topics and dispatches to the
// matching handler. Business errors (ConflictError, InvalidArguments,
// ServiceError, InvalidRequestParameters) are swallowed here: the handler
// has already published them on the matching rejected topic.
func (in *Integrator) onMessage(topic string, payload []byte) {
	if isResponseMessage(topic) {
		return
	}

	parsed, ok := pubsub.ParseRequestTopic(topic)
	if !ok {
		logger.Get().Warn("dropping unparseable shadow request topic", zap.String("topic", topic))
		return
	}

	req := handlers.Request{
		Thing:      parsed.Thing,
		ShadowName: parsed.ShadowName,
		Payload:    payload,
	}

	ctx := context.Background()

	switch parsed.Op {
	case pubsub.OpGet:
		_, _ = in.Handlers.Get(ctx, req)
	case pubsub.OpUpdate:
		_, _ = in.Handlers.Update(ctx, req)
	case pubsub.OpDelete:
		_, _ = in.Handlers.Delete(ctx, req)
	case pubsub.OpList:
		if len(payload) > 0 {
			var body listRequestBody
			if err := json.Unmarshal(payload, &body); err != nil {
				logger.Get().Warn("ignoring malformed list request payload, using defaults",
					zap.String("topic", topic), zap.Error(err))
			} else {
				req.NextToken = body.NextToken
				req.PageSize = body.PageSize
			}
		}
		_, _ = in.Handlers.List(ctx, req)
	default:
		logger.Get().Warn("dropping shadow request with unknown operation",
			zap.String("topic", topic), zap.String("op", string(parsed.Op)))
	}
}
