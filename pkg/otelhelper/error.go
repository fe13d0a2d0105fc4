package otelhelper

import (
	"errors"

	"github.com/dukex/runflow/pkg/resilience"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SetError marks span as failed. Classified errors add their type as an
// attribute.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	var classified *resilience.Error
	if errors.As(err, &classified) {
		attrs = append(attrs, attribute.String(ErrorTypeKey, string(classified.Type)))
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, resilience.RedactString(err.Error()))
	span.AddEvent("error_occurred", trace.WithAttributes(
		attrs...,
	))
}
