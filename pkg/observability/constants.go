package observability

const (
	AttrServiceName  = "service.name"
	AttrModule       = "module"
	AttrDecision     = "decision"
	AttrReason       = "reason"
	AttrEventType    = "event_type"
	AttrStore        = "store"
	AttrOperation    = "operation"
	AttrErrorType    = "error.type"
	AttrHTTPMethod   = "http.method"
	AttrHTTPPath     = "http.path"
	AttrStatusCode   = "http.status_code"
	AttrResponseSize = "http.response_size"

	SpanHTTPRequest = "http.request"
	SpanCheckLimit  = "ratelimit.check"
	SpanReset       = "ratelimit.reset"

	DefaultServiceName  = "cerberus"
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultMetricsPath  = "/metrics"
	DefaultSamplingRate = 1.0
)
