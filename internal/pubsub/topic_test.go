package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestTopicClassicShadow(t *testing.T) {
	assert.Equal(t, "$aws/things/t1/shadow/update", RequestTopic("t1", "", OpUpdate))
}

func TestRequestTopicNamedShadow(t *testing.T) {
	assert.Equal(t, "$aws/things/t1/shadow/name/config/get", RequestTopic("t1", "config", OpGet))
}

func TestResponseTopic(t *testing.T) {
	assert.Equal(t, "$aws/things/t1/shadow/update/accepted", ResponseTopic("t1", "", OpUpdate, SuffixAccepted))
	assert.Equal(t, "$aws/things/t1/shadow/name/cfg/delete/rejected", ResponseTopic("t1", "cfg", OpDelete, SuffixRejected))
}

func TestDeltaAndDocumentsTopics(t *testing.T) {
	assert.Equal(t, "$aws/things/t1/shadow/update/delta", DeltaTopic("t1", ""))
	assert.Equal(t, "$aws/things/t1/shadow/name/cfg/update/documents", DocumentsTopic("t1", "cfg"))
}

func TestParseRequestTopicClassic(t *testing.T) {
	p, ok := ParseRequestTopic("$aws/things/t1/shadow/update")
	require.True(t, ok)
	assert.Equal(t, ParsedTopic{Thing: "t1", ShadowName: "", Op: OpUpdate}, p)
}

func TestParseRequestTopicNamed(t *testing.T) {
	p, ok := ParseRequestTopic("$aws/things/t1/shadow/name/config/get")
	require.True(t, ok)
	assert.Equal(t, ParsedTopic{Thing: "t1", ShadowName: "config", Op: OpGet}, p)
}

func TestParseRequestTopicRejectsMalformed(t *testing.T) {
	_, ok := ParseRequestTopic("$aws/things/t1/notshadow/update")
	assert.False(t, ok)

	_, ok = ParseRequestTopic("not/a/shadow/topic")
	assert.False(t, ok)
}

func TestParseRequestTopicIgnoresResponseSuffix(t *testing.T) {
	// a response topic has 2 trailing segments and should not parse as a
	// request topic.
	_, ok := ParseRequestTopic("$aws/things/t1/shadow/update/accepted")
	assert.False(t, ok)
}

func TestParseDeltaOrDocumentsTopicClassic(t *testing.T) {
	p, ok := ParseDeltaOrDocumentsTopic("$aws/things/t1/shadow/update/delta")
	require.True(t, ok)
	assert.Equal(t, ParsedTopic{Thing: "t1", ShadowName: ""}, p)
}

func TestParseDeltaOrDocumentsTopicNamed(t *testing.T) {
	p, ok := ParseDeltaOrDocumentsTopic("$aws/things/t1/shadow/name/cfg/update/documents")
	require.True(t, ok)
	assert.Equal(t, ParsedTopic{Thing: "t1", ShadowName: "cfg"}, p)
}

func TestParseDeltaOrDocumentsTopicRejectsRequestTopic(t *testing.T) {
	_, ok := ParseDeltaOrDocumentsTopic("$aws/things/t1/shadow/update")
	assert.False(t, ok)
}
