package storage

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/meshcore/meshcore/pkg/errkind"
)

// Influx backs putMetricsPoint with a real time-series database,
// writing breaker/queue/registry EWMA and counter snapshots as points.
// Every other Storage method delegates to a fallback, since InfluxDB
// has no concept of a service registry or event stream.
type Influx struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	fallback Storage
}

// NewInflux opens a write API against org/bucket on an already-created
// influxdb2.Client. fallback may be nil if only metrics points matter.
func NewInflux(client influxdb2.Client, org, bucket string, fallback Storage) *Influx {
	return &Influx{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		fallback: fallback,
	}
}

func (i *Influx) PutService(ctx context.Context, rec ServiceRecord) error {
	if i.fallback == nil {
		return errkind.New("storage.PutService", errkind.Internal, fmt.Errorf("influx backend requires a fallback for service records"))
	}
	return i.fallback.PutService(ctx, rec)
}

func (i *Influx) DeleteService(ctx context.Context, id string) error {
	if i.fallback == nil {
		return errkind.New("storage.DeleteService", errkind.Internal, fmt.Errorf("influx backend requires a fallback for service records"))
	}
	return i.fallback.DeleteService(ctx, id)
}

func (i *Influx) ListServices(ctx context.Context) ([]ServiceRecord, error) {
	if i.fallback == nil {
		return nil, errkind.New("storage.ListServices", errkind.Internal, fmt.Errorf("influx backend requires a fallback for service records"))
	}
	return i.fallback.ListServices(ctx)
}

func (i *Influx) AppendEvent(ctx context.Context, streamName string, rec EventRecord) (int64, error) {
	if i.fallback == nil {
		return 0, errkind.New("storage.AppendEvent", errkind.Internal, fmt.Errorf("influx backend requires a fallback for event streams"))
	}
	return i.fallback.AppendEvent(ctx, streamName, rec)
}

func (i *Influx) LoadStream(ctx context.Context, streamName string, fromPosition int64, limit int) ([]EventRecord, error) {
	if i.fallback == nil {
		return nil, errkind.New("storage.LoadStream", errkind.Internal, fmt.Errorf("influx backend requires a fallback for event streams"))
	}
	return i.fallback.LoadStream(ctx, streamName, fromPosition, limit)
}

func (i *Influx) PutQueueMeta(ctx context.Context, meta QueueMeta) error {
	if i.fallback == nil {
		return errkind.New("storage.PutQueueMeta", errkind.Internal, fmt.Errorf("influx backend requires a fallback for queue metadata"))
	}
	return i.fallback.PutQueueMeta(ctx, meta)
}

func (i *Influx) PutMessage(ctx context.Context, queue string, msg DurableMessageLike) error {
	if i.fallback == nil {
		return errkind.New("storage.PutMessage", errkind.Internal, fmt.Errorf("influx backend requires a fallback for message durability"))
	}
	return i.fallback.PutMessage(ctx, queue, msg)
}

func (i *Influx) DeleteMessage(ctx context.Context, queue string, id string) error {
	if i.fallback == nil {
		return errkind.New("storage.DeleteMessage", errkind.Internal, fmt.Errorf("influx backend requires a fallback for message durability"))
	}
	return i.fallback.DeleteMessage(ctx, queue, id)
}

func (i *Influx) PutBreakerState(ctx context.Context, state BreakerState) error {
	if i.fallback == nil {
		return errkind.New("storage.PutBreakerState", errkind.Internal, fmt.Errorf("influx backend requires a fallback for breaker state"))
	}
	return i.fallback.PutBreakerState(ctx, state)
}

func (i *Influx) PutMetricsPoint(ctx context.Context, point MetricsPoint) error {
	p := influxdb2.NewPointWithMeasurement(point.Measurement)
	for k, v := range point.Tags {
		p.AddTag(k, v)
	}
	for k, v := range point.Fields {
		p.AddField(k, v)
	}
	p.SetTime(point.Timestamp)
	if err := i.writeAPI.WritePoint(ctx, p); err != nil {
		return errkind.New("storage.PutMetricsPoint", errkind.Internal, err)
	}
	return nil
}

// Close flushes and closes the underlying Influx client.
func (i *Influx) Close() {
	i.client.Close()
}
