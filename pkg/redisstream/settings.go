// Package redisstream carries builder frames between the session that
// produces them and the websocket clients that render them.
//
// Without Redis the bus is an in-process Watermill go channel. With Redis
// enabled, frames travel over Redis Streams so several server processes can
// serve the same builder session.
package redisstream

// Settings holds Redis Streams transport configuration for Watermill.
type Settings struct {
	Enabled  bool   `mapstructure:"redis-enabled"`
	Addr     string `mapstructure:"redis-addr"`
	Group    string `mapstructure:"redis-group"`
	Consumer string `mapstructure:"redis-consumer"`
}

// DefaultSettings mirrors the flag defaults of `forge serve`.
func DefaultSettings() Settings {
	return Settings{
		Enabled:  false,
		Addr:     "localhost:6379",
		Group:    "forge-ui",
		Consumer: "ui-1",
	}
}

const topicPrefix = "builder:"

// TopicForSession is the topic carrying the frames of one builder session.
func TopicForSession(sessionID string) string {
	return topicPrefix + sessionID
}
