// Package transports registers every built-in backend with the default
// registry. Import it for side effects.
package transports

import (
	_ "github.com/drblury/matchwatch/transport/channel"
	_ "github.com/drblury/matchwatch/transport/jetstream"
	_ "github.com/drblury/matchwatch/transport/kafka"
	_ "github.com/drblury/matchwatch/transport/rabbitmq"
	_ "github.com/drblury/matchwatch/transport/sqlite"
)
