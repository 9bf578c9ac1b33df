package oc

import "go.opencensus.io/trace"

var DefaultSampler = trace.AlwaysSample()

// SetSpanStatus sets `span.SetStatus` to the proper status depending on `err`. If
// `err` is `nil` assumes `trace.StatusCodeOk`.
func SetSpanStatus(span *trace.Span, err error) {
	status := trace.Status{}
	if err != nil {
		status.Code = toStatusCode(err)
		status.Message = err.Error()
	}
	span.SetStatus(status)
}
