// Package matchwatch watches tracked Teamfight Tactics players for newly
// finished matches and has a Discord bot read a short roast of each one into
// the voice channel of the player's guild.
//
// The work is split into stages that talk over queues:
//
//   - poller: reads the tracked players from the registry service, asks the
//     statistics API for each player's latest match and publishes matches it
//     has not announced yet to the detection queue (tft_matches).
//   - enricher: turns a match record into a line of commentary with a hosted
//     language model and publishes it to the delivery queue (zingers).
//   - renderer: optionally synthesizes the commentary into Ogg/Opus audio
//     ahead of delivery and publishes it to audio_queue.
//   - delivery: finds a voice channel with a listener in the player's guild,
//     joins it and streams the audio. A process-wide lock keeps the bot in one
//     channel at a time.
//   - registry: an HTTP service storing the tracked players, backed by SQLite
//     or PostgreSQL.
//
// Every stage can run in its own process or all of them together (role
// "all"). Queues are carried by Watermill over RabbitMQ, Kafka, NATS
// JetStream, SQLite or in-memory channels, selected with PUBSUB_SYSTEM.
// Redis caches identities, registry snapshots and last-announced markers.
//
// The binary lives in cmd/matchwatch. Configuration is read from the
// environment and flags; see internal/app.Config for the full list.
package matchwatch
