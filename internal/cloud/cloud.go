// Package cloud implements the cloud data client: outbound shadow
// operations against the AWS IoT Data Plane, and the cloud-side delta and
// documents subscriptions that feed CloudUpdateLocal/CloudDeleteLocal sync
// requests onto the queue.
package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/iotdataplane"
	"go.uber.org/zap"

	"github.com/edgegatekit/shadowmgr/internal/logger"
	"github.com/edgegatekit/shadowmgr/internal/pubsub"
	"github.com/edgegatekit/shadowmgr/internal/shadow"
	"github.com/edgegatekit/shadowmgr/internal/shadowerr"
	"github.com/edgegatekit/shadowmgr/internal/syncqueue"
)

// Config configures the IoT Data Plane session used for outbound shadow
// calls. Endpoint is the account's IoT data endpoint
// ("xxxx-ats.iot.<region>.amazonaws.com"); the data plane has no
// region-derived default the way most AWS services do.
type Config struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// Client is the outbound shadow capability the sync workers call: a thin
// seam over the AWS IoT Data Plane's three shadow operations.
type Client interface {
	GetShadow(ctx context.Context, thing, shadowName string) ([]byte, error)
	UpdateShadow(ctx context.Context, thing, shadowName string, payload []byte) ([]byte, error)
	DeleteShadow(ctx context.Context, thing, shadowName string) error
}

// IoTDataClient implements Client against a real AWS account.
type IoTDataClient struct {
	svc *iotdataplane.IoTDataPlane
}

// NewIoTDataClient builds an IoTDataClient from cfg.
func NewIoTDataClient(cfg Config) (*IoTDataClient, error) {
	awsCfg := &aws.Config{
		Region:   aws.String(cfg.Region),
		Endpoint: aws.String(cfg.Endpoint),
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return &IoTDataClient{svc: iotdataplane.New(sess)}, nil
}

func shadowNamePtr(shadowName string) *string {
	if shadowName == "" {
		return nil
	}
	return aws.String(shadowName)
}

// GetShadow fetches the named (or classic) shadow document from the cloud.
// A shadow that does not yet exist on the cloud side is reported as
// shadowerr.KindResourceNotFound rather than KindServiceError, so callers
// merging against the remote document can tell "nothing to merge against
// yet" apart from a real transport/service failure.
func (c *IoTDataClient) GetShadow(ctx context.Context, thing, shadowName string) ([]byte, error) {
	out, err := c.svc.GetThingShadowWithContext(ctx, &iotdataplane.GetThingShadowInput{
		ThingName:  aws.String(thing),
		ShadowName: shadowNamePtr(shadowName),
	})
	if err != nil {
		return nil, classifyGetShadowError(err)
	}
	return out.Payload, nil
}

// classifyGetShadowError turns an AWS IoT Data Plane error from
// GetThingShadow into a shadowerr.Kind, distinguishing "no shadow yet" from
// every other transport/service failure.
func classifyGetShadowError(err error) error {
	if awsErr, ok := err.(awserr.Error); ok && awsErr.Code() == iotdataplane.ErrCodeResourceNotFoundException {
		return shadowerr.Wrap(shadowerr.KindResourceNotFound, "cloud shadow does not exist", err)
	}
	return shadowerr.Wrap(shadowerr.KindServiceError, "cloud get shadow failed", err)
}

// UpdateShadow pushes payload as the new desired/reported state of the
// cloud shadow and returns the cloud's resulting document.
func (c *IoTDataClient) UpdateShadow(ctx context.Context, thing, shadowName string, payload []byte) ([]byte, error) {
	out, err := c.svc.UpdateThingShadowWithContext(ctx, &iotdataplane.UpdateThingShadowInput{
		ThingName:  aws.String(thing),
		ShadowName: shadowNamePtr(shadowName),
		Payload:    payload,
	})
	if err != nil {
		return nil, shadowerr.Wrap(shadowerr.KindServiceError, "cloud update shadow failed", err)
	}
	return out.Payload, nil
}

// DeleteShadow removes the cloud shadow document.
func (c *IoTDataClient) DeleteShadow(ctx context.Context, thing, shadowName string) error {
	_, err := c.svc.DeleteThingShadowWithContext(ctx, &iotdataplane.DeleteThingShadowInput{
		ThingName:  aws.String(thing),
		ShadowName: shadowNamePtr(shadowName),
	})
	if err != nil {
		return shadowerr.Wrap(shadowerr.KindServiceError, "cloud delete shadow failed", err)
	}
	return nil
}

// Enqueuer accepts sync requests produced by inbound cloud events. The
// concrete implementation is syncqueue.Queue.Put, adapted to drop the
// blocking ctx argument the data client does not carry.
type Enqueuer func(req syncqueue.Request)

// DataClient is the full C8 component: outbound Client calls plus the
// cloud-side delta/documents subscriptions that turn inbound cloud events
// into CloudUpdateLocal/CloudDeleteLocal sync requests.
type DataClient struct {
	Client  Client
	MQTT    *pubsub.Wrapper
	Enqueue Enqueuer

	mu     sync.Mutex
	synced map[string]pubsub.ParsedTopic // key -> (thing, shadow)
}

// NewDataClient builds a DataClient around an already-connected cloud MQTT
// wrapper and outbound Client.
func NewDataClient(client Client, mqttWrapper *pubsub.Wrapper, enqueue Enqueuer) *DataClient {
	return &DataClient{
		Client:  client,
		MQTT:    mqttWrapper,
		Enqueue: enqueue,
		synced:  make(map[string]pubsub.ParsedTopic),
	}
}

func syncKey(thing, shadowName string) string {
	if shadowName == "" {
		return thing
	}
	return thing + "\x00" + shadowName
}

// UpdateSubscriptions reconciles the cloud delta/documents subscriptions
// against configSet: it subscribes the delta+documents topics for every
// (thing, shadow) newly present, and unsubscribes every one no longer
// present. Idempotent: calling it again with the same configSet is a
// no-op, since pubsub.Wrapper itself deduplicates by filter.
func (d *DataClient) UpdateSubscriptions(configSet []pubsub.ParsedTopic) error {
	d.mu.Lock()
	want := make(map[string]pubsub.ParsedTopic, len(configSet))
	for _, p := range configSet {
		want[syncKey(p.Thing, p.ShadowName)] = p
	}

	toAdd := make([]pubsub.ParsedTopic, 0)
	for key, p := range want {
		if _, ok := d.synced[key]; !ok {
			toAdd = append(toAdd, p)
		}
	}
	toRemove := make([]pubsub.ParsedTopic, 0)
	for key, p := range d.synced {
		if _, ok := want[key]; !ok {
			toRemove = append(toRemove, p)
		}
	}
	d.mu.Unlock()

	for _, p := range toAdd {
		if err := d.subscribeOne(p); err != nil {
			return err
		}
	}
	for _, p := range toRemove {
		if err := d.unsubscribeOne(p); err != nil {
			return err
		}
	}
	return nil
}

func (d *DataClient) subscribeOne(p pubsub.ParsedTopic) error {
	deltaTopic := pubsub.DeltaTopic(p.Thing, p.ShadowName)
	docsTopic := pubsub.DocumentsTopic(p.Thing, p.ShadowName)

	if err := d.MQTT.Subscribe(deltaTopic, d.onDelta); err != nil {
		return fmt.Errorf("failed to subscribe cloud delta topic %q: %w", deltaTopic, err)
	}
	if err := d.MQTT.Subscribe(docsTopic, d.onDocuments); err != nil {
		return fmt.Errorf("failed to subscribe cloud documents topic %q: %w", docsTopic, err)
	}

	d.mu.Lock()
	d.synced[syncKey(p.Thing, p.ShadowName)] = p
	d.mu.Unlock()
	return nil
}

func (d *DataClient) unsubscribeOne(p pubsub.ParsedTopic) error {
	deltaTopic := pubsub.DeltaTopic(p.Thing, p.ShadowName)
	docsTopic := pubsub.DocumentsTopic(p.Thing, p.ShadowName)

	if err := d.MQTT.Unsubscribe(deltaTopic); err != nil {
		return fmt.Errorf("failed to unsubscribe cloud delta topic %q: %w", deltaTopic, err)
	}
	if err := d.MQTT.Unsubscribe(docsTopic); err != nil {
		return fmt.Errorf("failed to unsubscribe cloud documents topic %q: %w", docsTopic, err)
	}

	d.mu.Lock()
	delete(d.synced, syncKey(p.Thing, p.ShadowName))
	d.mu.Unlock()
	return nil
}

// StopSubscribing unsubscribes every currently tracked shadow's delta and
// documents topics. Called on MQTT disconnect or on a direction change
// that tears down the cloud-to-device arrow.
func (d *DataClient) StopSubscribing() error {
	d.mu.Lock()
	all := make([]pubsub.ParsedTopic, 0, len(d.synced))
	for _, p := range d.synced {
		all = append(all, p)
	}
	d.mu.Unlock()

	for _, p := range all {
		if err := d.unsubscribeOne(p); err != nil {
			return err
		}
	}
	return nil
}

// onDelta logs the cloud-originated partial diff. The documents
// subscription, not delta, drives CloudUpdateLocal/CloudDeleteLocal:
// delta alone never carries enough state (it omits reported-only leaves)
// to reconcile the sync row safely.
func (d *DataClient) onDelta(topic string, payload []byte) {
	parsed, ok := pubsub.ParseDeltaOrDocumentsTopic(topic)
	if !ok {
		return
	}
	logger.Get().Debug("received cloud delta",
		zap.String("thing", parsed.Thing), zap.String("shadow", parsed.ShadowName))
}

// onDocuments turns a cloud documents event into a CloudUpdateLocal or
// CloudDeleteLocal sync request.
func (d *DataClient) onDocuments(topic string, payload []byte) {
	parsed, ok := pubsub.ParseDeltaOrDocumentsTopic(topic)
	if !ok {
		logger.Get().Warn("dropping unparseable cloud documents topic", zap.String("topic", topic))
		return
	}

	var event shadow.DocumentsEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		logger.Get().Warn("dropping malformed cloud documents payload",
			zap.String("thing", parsed.Thing), zap.Error(err))
		return
	}

	if event.Current == nil {
		d.Enqueue(syncqueue.Request{
			Kind:       syncqueue.KindCloudDeleteLocal,
			Thing:      parsed.Thing,
			ShadowName: parsed.ShadowName,
		})
		return
	}

	body, err := json.Marshal(event.Current)
	if err != nil {
		return
	}
	d.Enqueue(syncqueue.Request{
		Kind:       syncqueue.KindCloudUpdateLocal,
		Thing:      parsed.Thing,
		ShadowName: parsed.ShadowName,
		Payload:    body,
		Version:    event.Current.Version,
	})
}
