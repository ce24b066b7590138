package pubsub

import "strings"

// Operation names the shadow operation a topic describes.
type Operation string

const (
	OpGet    Operation = "get"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Suffix names the outcome leg of a topic.
type Suffix string

const (
	SuffixAccepted  Suffix = "accepted"
	SuffixRejected  Suffix = "rejected"
	SuffixDelta     Suffix = "delta"
	SuffixDocuments Suffix = "documents"
)

// BuildTopic constructs the local publish topic for a shadow event:
// things/<thing>/shadow[/name/<shadowName>]/<op>/<suffix>.
func BuildTopic(thing, shadowName string, op Operation, suffix Suffix) string {
	var b strings.Builder
	b.WriteString("things/")
	b.WriteString(thing)
	b.WriteString("/shadow")
	if shadowName != "" {
		b.WriteString("/name/")
		b.WriteString(shadowName)
	}
	b.WriteString("/")
	b.WriteString(string(op))
	b.WriteString("/")
	b.WriteString(string(suffix))
	return b.String()
}

// ParseTopic extracts the thing and optional shadow name from a topic
// of the $aws/things/<thing>/shadow[/name/<shadow>]/... form used by
// the cloud MQTT surface. Returns ok=false if the topic doesn't match.
func ParseTopic(topic string) (thing, shadowName string, ok bool) {
	parts := strings.Split(strings.TrimPrefix(topic, "$aws/"), "/")
	// parts: things, <thing>, shadow, [name, <shadow>], <op>, <suffix>
	if len(parts) < 5 || parts[0] != "things" || parts[2] != "shadow" {
		return "", "", false
	}
	thing = parts[1]
	if len(parts) >= 7 && parts[3] == "name" {
		shadowName = parts[4]
	}
	return thing, shadowName, true
}

// AWSTopic builds the cloud-side MQTT topic:
// $aws/things/<thing>/shadow[/name/<shadow>]/<op>/<suffix>.
func AWSTopic(thing, shadowName string, op Operation, suffix Suffix) string {
	return "$aws/" + BuildTopic(thing, shadowName, op, suffix)
}
