/*
Package runtime runs the queue-connected pipeline stages on top of a Watermill
router.

A Service owns one transport (see the transport package for the backends), a
router and the middleware chain every handler runs through:

  - correlation_id: stamps a correlation identifier on messages that lack one
  - log_messages: debug logging of payloads and metadata
  - tracer: an OpenTelemetry consumer span per message
  - metrics: Watermill's Prometheus router metrics
  - poison_queue: forwards unprocessable messages when POISON_QUEUE is set
  - recoverer: turns handler panics into errors

A handler returning nil acks the message. Any error nacks it and the broker
redelivers; there is no in-process retry.

Typed JSON handlers are registered with RegisterJSONHandler (consume and
publish) or RegisterJSONConsumer (consume only). Producers outside the router
publish with PublishJSON.

When STATUS_PORT is set the Service serves per-handler statistics at
/api/handlers, queue depths at /api/queues and a liveness probe at /healthz.
*/
package runtime
