package pubsub

import (
	"fmt"
	"strings"
)

// Operation names a shadow request/response verb in the local topic tree.
type Operation string

const (
	OpGet    Operation = "get"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpList   Operation = "list"
)

// Suffix names the outcome suffix of a response topic.
type Suffix string

const (
	SuffixAccepted  Suffix = "accepted"
	SuffixRejected  Suffix = "rejected"
	SuffixDelta     Suffix = "delta"
	SuffixDocuments Suffix = "documents"
)

// base returns "$aws/things/<thing>/shadow" or
// "$aws/things/<thing>/shadow/name/<shadow>" for a named shadow.
func base(thing, shadowName string) string {
	if shadowName == "" {
		return fmt.Sprintf("$aws/things/%s/shadow", thing)
	}
	return fmt.Sprintf("$aws/things/%s/shadow/name/%s", thing, shadowName)
}

// RequestTopic builds the topic a client publishes a request to, e.g.
// "$aws/things/t1/shadow/update".
func RequestTopic(thing, shadowName string, op Operation) string {
	return fmt.Sprintf("%s/%s", base(thing, shadowName), op)
}

// ResponseTopic builds a response topic, e.g.
// "$aws/things/t1/shadow/update/accepted".
func ResponseTopic(thing, shadowName string, op Operation, suffix Suffix) string {
	return fmt.Sprintf("%s/%s/%s", base(thing, shadowName), op, suffix)
}

// DeltaTopic builds the delta-event topic (published on update only).
func DeltaTopic(thing, shadowName string) string {
	return fmt.Sprintf("%s/update/delta", base(thing, shadowName))
}

// DocumentsTopic builds the documents-event topic.
func DocumentsTopic(thing, shadowName string) string {
	return fmt.Sprintf("%s/update/documents", base(thing, shadowName))
}

// RequestWildcard is the subscription filter the topic integrator uses to
// catch every shadow request for every thing: "$aws/things/+/shadow/#".
const RequestWildcard = "$aws/things/+/shadow/#"

// ParsedTopic is the decomposed form of a request topic.
type ParsedTopic struct {
	Thing      string
	ShadowName string
	Op         Operation
}

// ParseRequestTopic decomposes a concrete (non-wildcard) request topic
// into thing, shadow name and operation. It accepts both the classic form
// ("$aws/things/<thing>/shadow/<op>") and the named form
// ("$aws/things/<thing>/shadow/name/<shadow>/<op>"), matching the
// "/name/" segment convention used by AWS IoT and Greengrass shadow
// clients.
func ParseRequestTopic(topic string) (ParsedTopic, bool) {
	parts := strings.Split(topic, "/")
	// ["$aws","things","<thing>","shadow", ...]
	if len(parts) < 5 || parts[0] != "$aws" || parts[1] != "things" || parts[3] != "shadow" {
		return ParsedTopic{}, false
	}

	thing := parts[2]
	rest := parts[4:]

	if len(rest) >= 3 && rest[0] == "name" {
		return ParsedTopic{Thing: thing, ShadowName: rest[1], Op: Operation(rest[2])}, true
	}
	if len(rest) == 1 {
		return ParsedTopic{Thing: thing, ShadowName: "", Op: Operation(rest[0])}, true
	}
	return ParsedTopic{}, false
}

// ParseDeltaOrDocumentsTopic extracts (thing, shadowName) from a
// "update/delta" or "update/documents" topic, in either classic or named
// form. The trailing op/suffix segments are not returned since callers
// already know which subscription they registered.
func ParseDeltaOrDocumentsTopic(topic string) (ParsedTopic, bool) {
	parts := strings.Split(topic, "/")
	// ["$aws","things","<thing>","shadow", ..., "update", "delta"|"documents"]
	if len(parts) < 6 || parts[0] != "$aws" || parts[1] != "things" || parts[3] != "shadow" {
		return ParsedTopic{}, false
	}

	thing := parts[2]
	rest := parts[4:]

	if len(rest) == 4 && rest[0] == "name" {
		return ParsedTopic{Thing: thing, ShadowName: rest[1]}, true
	}
	if len(rest) == 2 {
		return ParsedTopic{Thing: thing, ShadowName: ""}, true
	}
	return ParsedTopic{}, false
}
