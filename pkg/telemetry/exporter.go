// ABOUTME: OpenTelemetry exporter factory for metric and trace exporters
// ABOUTME: Builds stdout exporters writing to the configured output

package telemetry

import (
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
)

// output returns the writer stdout exporters write to
func (c *Config) output() io.Writer {
	if c.Output != nil {
		return c.Output
	}
	return os.Stdout
}

// createMetricExporters creates metric exporters based on configuration.
// An empty result means metrics are recorded but never exported.
func createMetricExporters(cfg Config) ([]metric.Exporter, error) {
	var exporters []metric.Exporter

	for _, name := range cfg.Exporters {
		switch name {
		case ExporterStdout:
			exporter, err := stdoutmetric.New(
				stdoutmetric.WithWriter(cfg.output()),
				stdoutmetric.WithPrettyPrint(),
			)
			if err != nil {
				return nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
			}
			exporters = append(exporters, exporter)

		default:
			continue
		}
	}

	return exporters, nil
}

// createTraceExporters creates trace exporters based on configuration.
func createTraceExporters(cfg Config) ([]trace.SpanExporter, error) {
	var exporters []trace.SpanExporter

	for _, name := range cfg.Exporters {
		switch name {
		case ExporterStdout:
			exporter, err := stdouttrace.New(
				stdouttrace.WithWriter(cfg.output()),
				stdouttrace.WithPrettyPrint(),
			)
			if err != nil {
				return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
			}
			exporters = append(exporters, exporter)

		default:
			continue
		}
	}

	return exporters, nil
}
