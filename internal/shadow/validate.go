package shadow

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/edgegatekit/shadowmgr/internal/shadowerr"
)

// ValidateUpdatePayload parses and validates an update request body: empty
// payloads, oversized payloads, malformed JSON, schema violations and
// excessive nesting are all rejected before the payload ever reaches the
// merge step.
func ValidateUpdatePayload(raw []byte, maxSize int) (*UpdatePayload, error) {
	if len(raw) == 0 {
		return nil, shadowerr.New(shadowerr.KindInvalidArguments, "update payload must not be empty")
	}
	if len(raw) > maxSize {
		return nil, shadowerr.New(shadowerr.KindPayloadTooLarge,
			fmt.Sprintf("payload size %d bytes exceeds the maximum of %d bytes", len(raw), maxSize))
	}

	generic, err := decodeObject(raw)
	if err != nil {
		return nil, shadowerr.Wrap(shadowerr.KindInvalidArguments, "payload is not a valid JSON object", err)
	}

	rawState, ok := generic["state"]
	if !ok {
		return nil, shadowerr.New(shadowerr.KindInvalidArguments, `payload must contain a "state" object`)
	}
	stateMap, ok := rawState.(map[string]interface{})
	if !ok {
		return nil, shadowerr.New(shadowerr.KindInvalidArguments, `"state" must be a JSON object`)
	}

	desiredRaw, hasDesired := stateMap["desired"]
	reportedRaw, hasReported := stateMap["reported"]

	var desired, reported map[string]interface{}
	desiredOK := hasDesired
	if hasDesired {
		desired, desiredOK = desiredRaw.(map[string]interface{})
		if !desiredOK && desiredRaw != nil {
			return nil, shadowerr.New(shadowerr.KindInvalidArguments, `"state.desired" must be a JSON object`)
		}
	}
	reportedOK := hasReported
	if hasReported {
		reported, reportedOK = reportedRaw.(map[string]interface{})
		if !reportedOK && reportedRaw != nil {
			return nil, shadowerr.New(shadowerr.KindInvalidArguments, `"state.reported" must be a JSON object`)
		}
	}
	if !desiredOK && !reportedOK {
		return nil, shadowerr.New(shadowerr.KindInvalidArguments,
			`"state" must contain at least one of "desired" or "reported" as an object`)
	}

	if depth := maxDepth(stateMap, 1); depth > MaxDepth {
		return nil, shadowerr.New(shadowerr.KindInvalidArguments,
			fmt.Sprintf("JSON contains too many levels of nesting; maximum is %d", MaxDepth))
	}

	payload := &UpdatePayload{
		State: StateDocument{Desired: desired, Reported: reported},
	}

	if rawVersion, ok := generic["version"]; ok && rawVersion != nil {
		num, ok := rawVersion.(json.Number)
		if !ok {
			return nil, shadowerr.New(shadowerr.KindInvalidArguments, `"version" must be an integer`)
		}
		v, err := num.Int64()
		if err != nil || v < 0 {
			return nil, shadowerr.New(shadowerr.KindInvalidArguments, `"version" must be a non-negative integer`)
		}
		payload.Version = &v
	}

	if rawToken, ok := generic["clientToken"]; ok && rawToken != nil {
		token, ok := rawToken.(string)
		if !ok {
			return nil, shadowerr.New(shadowerr.KindInvalidArguments, `"clientToken" must be a string`)
		}
		payload.ClientToken = token
	}

	return payload, nil
}

// decodeObject decodes raw as a top-level JSON object, preserving numbers
// as json.Number so structural equality in delta computation is not
// perturbed by float64 formatting.
func decodeObject(raw []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v map[string]interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// maxDepth returns the deepest nesting level reached within v, treating v
// itself as sitting at level. Only JSON objects add a level; arrays and
// scalars are leaves.
func maxDepth(v interface{}, level int) int {
	m, ok := v.(map[string]interface{})
	if !ok || len(m) == 0 {
		return level
	}
	deepest := level
	for _, child := range m {
		if d := maxDepth(child, level+1); d > deepest {
			deepest = d
		}
	}
	return deepest
}

// ClampMaxDocSize resolves a configured max document size against the
// default and ceiling (1..30720 bytes, default 8192).
func ClampMaxDocSize(configured int) int {
	if configured <= 0 {
		return DefaultMaxDocSize
	}
	if configured > MaxDocSizeCeiling {
		return MaxDocSizeCeiling
	}
	return configured
}
