package telemetry

import (
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedTopic = errors.New("malformed topic")

// Route is a parsed telemetry topic.
type Route struct {
	FeederID string
	Metric   string
}

// TopicRouter parses <prefix>/<feederId>/<metric...>. The prefix may itself
// span several segments ("home/feeders").
type TopicRouter struct {
	prefix []string
}

func NewTopicRouter(prefix string) *TopicRouter {
	return &TopicRouter{prefix: strings.Split(strings.Trim(prefix, "/"), "/")}
}

// Parse splits topic into feeder id and metric. The metric keeps its inner
// slashes, so "feeders/abc/storage/percent" yields metric "storage/percent".
func (r *TopicRouter) Parse(topic string) (Route, error) {
	parts := strings.Split(topic, "/")
	n := len(r.prefix)
	if len(parts) < n+2 {
		return Route{}, fmt.Errorf("%w: %q has too few segments", ErrMalformedTopic, topic)
	}
	for i, seg := range r.prefix {
		if parts[i] != seg {
			return Route{}, fmt.Errorf("%w: %q does not start with %q", ErrMalformedTopic, topic, strings.Join(r.prefix, "/"))
		}
	}
	feederID := parts[n]
	if feederID == "" {
		return Route{}, fmt.Errorf("%w: %q has an empty feeder id", ErrMalformedTopic, topic)
	}
	metric := strings.Join(parts[n+1:], "/")
	if strings.Trim(metric, "/") == "" {
		return Route{}, fmt.Errorf("%w: %q has an empty metric", ErrMalformedTopic, topic)
	}
	return Route{FeederID: feederID, Metric: metric}, nil
}
