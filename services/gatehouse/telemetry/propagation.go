// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InjectContext injects trace context into outgoing HTTP headers.
//
// Uses the globally configured propagator (set in Init) to inject W3C
// TraceContext and Baggage, so downstream services can join the trace.
//
// Thread Safety: Safe for concurrent use.
func InjectContext(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// PropagateToRequest injects trace context into an outgoing HTTP
// request and attaches ctx to it.
//
// Example:
//
//	req, _ := http.NewRequest(http.MethodPost, url, body)
//	req = telemetry.PropagateToRequest(ctx, req)
//	resp, err := client.Do(req)
//
// Thread Safety: Safe for concurrent use.
func PropagateToRequest(ctx context.Context, req *http.Request) *http.Request {
	InjectContext(ctx, req.Header)
	return req.WithContext(ctx)
}
