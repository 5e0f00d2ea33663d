package metric

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPIRequestTags(t *testing.T) {
	tags := apiRequestTags(APIRequest{
		Route:    "/api/1.0/targets/:name/recover",
		Method:   "POST",
		Status:   200,
		Replayed: true,
	})
	assert.Equal(t, []string{
		"path:/api/1.0/targets/:name/recover",
		"method:POST",
		"http_status_code:200",
		"status_class:2xx",
		"idempotent_replay:true",
		"communication_protocol:http",
	}, tags)
}

func TestAPIRequestTagsUnmatchedRoute(t *testing.T) {
	tags := apiRequestTags(APIRequest{Method: "GET", Status: 404})
	assert.Contains(t, tags, "path:unmatched")
	assert.Contains(t, tags, "status_class:4xx")
	assert.Contains(t, tags, "idempotent_replay:false")
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "5xx", statusClass(503))
	assert.Equal(t, "unknown", statusClass(0))
}
