// Package telemetry installs the OpenTelemetry MeterProvider that backs the
// playbookd.* instruments registered by the embeddings, curation, llm and
// http packages. Disabled telemetry leaves the global no-op provider in
// place, so instrumented code never checks whether export is on.
package telemetry
