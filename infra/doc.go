// Package infra groups the technology adapters: storage backends, the Redis
// provider index, notification transports, telemetry ingest and metrics
// exporters. Each subpackage implements an interface declared in core and
// depends on core only.
package infra
