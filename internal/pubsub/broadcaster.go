package pubsub

import "context"

// Broadcaster fans store patches out to downstream subscribers. Publish
// failures are advisory: the next patch on the same topic supersedes a lost
// one, so callers log and move on.
type Broadcaster interface {
	Publish(ctx context.Context, subject string, data interface{}) error
	Health(ctx context.Context) error
}
