// Package telemetry provides OpenTelemetry initialization and semantic conventions for the activity bus.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for activity bus telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrTenant identifies the tenant an event or connection belongs to.
	AttrTenant = attribute.Key("tenant")
	// AttrEventType annotates counters/histograms with the activity type (upload, ocr_completed, ...).
	AttrEventType = attribute.Key("event.type")
	// AttrBackend labels bus metrics with the active backend kind.
	AttrBackend = attribute.Key("bus.backend")
	// AttrLimitClass records the rate limiter operation class (publish, connect, bulk_read).
	AttrLimitClass = attribute.Key("ratelimit.class")
	// AttrOperation differentiates specific operations (publish, list, notify).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrReason provides additional free-form context for errors/rejections.
	AttrReason = attribute.Key("reason")
	// AttrPriority labels outbound gateway messages with their delivery priority.
	AttrPriority = attribute.Key("priority")
)

// Result values shared across instruments.
const (
	ResultSuccess     = "success"
	ResultError       = "error"
	ResultInvalid     = "invalid"
	ResultRateLimited = "rate_limited"
	ResultDegraded    = "degraded"
)

// EventAttributes returns common attributes for event metrics.
func EventAttributes(environment, backend, tenant, eventType string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrBackend.String(backend),
	}
	if tenant != "" {
		attrs = append(attrs, AttrTenant.String(tenant))
	}
	if eventType != "" {
		attrs = append(attrs, AttrEventType.String(eventType))
	}
	return attrs
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, backend, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrBackend.String(backend),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// LimitAttributes returns attributes for rate limiter decisions.
func LimitAttributes(environment, class, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrLimitClass.String(class),
		AttrResult.String(result),
	}
}
