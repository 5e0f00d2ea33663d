package metric

import (
	"strconv"
	"time"
)

const (
	APIRequestCount   = "api_request_count"
	APIRequestLatency = "api_request_latency"

	// unmatchedRoute tags requests that hit no registered route, so raw URLs never become tag values.
	unmatchedRoute = "unmatched"
)

// APIRequest is one served control API request.
type APIRequest struct {
	// Route is the registered route template, e.g. /api/1.0/targets/:name/recover.
	Route    string
	Method   string
	Status   int
	Replayed bool
	Latency  time.Duration
}

func ObserveAPIRequest(req APIRequest) {
	tags := apiRequestTags(req)
	Incr(APIRequestCount, tags)
	Timing(APIRequestLatency, req.Latency, tags)
}

func apiRequestTags(req APIRequest) []string {
	route := req.Route
	if route == "" {
		route = unmatchedRoute
	}
	return BuildTag(
		NewTag(TagPath, route),
		NewTag(TagMethod, req.Method),
		NewTag(TagHttpStatusCode, strconv.Itoa(req.Status)),
		NewTag(TagStatusClass, statusClass(req.Status)),
		NewTag(TagIdempotentReplay, strconv.FormatBool(req.Replayed)),
		NewTag(TagCommunicationProtocol, TagValueCommunicationProtocolHttp),
	)
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
