package metric

// Tag constants
const (
	TagEnv                   = "env"
	TagService               = "service"
	TagPath                  = "path"
	TagMethod                = "method"
	TagHttpStatusCode        = "http_status_code"
	TagStatusClass           = "status_class"
	TagIdempotentReplay      = "idempotent_replay"
	TagCommunicationProtocol = "communication_protocol"
	TagTarget                = "target"
	TagFromState             = "from_state"
	TagToState               = "to_state"
	TagHealthStatus          = "health_status"
	TagClassification        = "classification"
	TagStep                  = "step"
	TagSuccess               = "success"
	TagTransition            = "transition"
	TagOutcome               = "outcome"

	TagValueCommunicationProtocolHttp = "http"
)

type Tag struct {
	Name  string
	Value string
}

func NewTag(name, value string) Tag {
	return Tag{
		Name:  name,
		Value: value,
	}
}

// BuildTag builds a tag from the given name and value
func BuildTag(tags ...Tag) []string {
	allTags := make([]string, 0, len(tags))
	for _, tag := range tags {
		allTags = append(allTags, TagAsString(tag.Name, tag.Value))
	}
	return allTags
}

func TagAsString(name string, value string) string {
	return name + ":" + value
}
