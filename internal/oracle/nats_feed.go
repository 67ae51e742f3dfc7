package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"aeroscraper/internal/observability"
)

const (
	// PriceStream is the JetStream stream holding oracle publications.
	PriceStream = "AERO_PRICES"

	// PriceSubject is the subject pattern, one leaf per denom
	// (aero.prices.SOL, aero.prices.mSOL, ...).
	PriceSubject = "aero.prices.>"

	priceConsumer = "engine-prices"
)

// priceMessage is the wire payload published by the off-chain price relayer.
type priceMessage struct {
	Denom       string `json:"denom"`
	Value       uint64 `json:"value"`
	Expo        int32  `json:"expo"`
	Conf        uint64 `json:"conf"`
	PublishTime int64  `json:"publish_time"`
	Sequence    uint64 `json:"sequence"`
}

// NATSFeed subscribes to the price stream and keeps a Cache current. Price
// gaps are tolerated: a missed publication only widens the staleness window,
// it never corrupts state.
type NATSFeed struct {
	js       jetstream.JetStream
	cache    *Cache
	log      zerolog.Logger
	metrics  *observability.Metrics
	consumer jetstream.ConsumeContext
}

func NewNATSFeed(js jetstream.JetStream, cache *Cache, log zerolog.Logger, metrics *observability.Metrics) *NATSFeed {
	return &NATSFeed{js: js, cache: cache, log: log, metrics: metrics}
}

// EnsureStream creates the price stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      PriceStream,
		Subjects:  []string{PriceSubject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", PriceStream, err)
	}
	return nil
}

// Subscribe starts consuming price publications. New publications only —
// historical prices are useless for point-in-time ICR reads.
func (f *NATSFeed) Subscribe(ctx context.Context) error {
	consumer, err := f.js.CreateOrUpdateConsumer(ctx, PriceStream, jetstream.ConsumerConfig{
		Durable:       priceConsumer,
		FilterSubject: PriceSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", priceConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		f.handle(msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", priceConsumer, err)
	}

	f.consumer = cc
	f.log.Info().Str("subject", PriceSubject).Msg("price feed subscribed")
	return nil
}

func (f *NATSFeed) handle(msg jetstream.Msg) {
	var pm priceMessage
	if err := json.Unmarshal(msg.Data(), &pm); err != nil {
		f.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("malformed price message")
		if f.metrics != nil {
			f.metrics.PricesRejected.WithLabelValues("unknown", "malformed").Inc()
		}
		msg.Term()
		return
	}

	p := Price{
		Denom:       pm.Denom,
		Value:       pm.Value,
		Expo:        pm.Expo,
		Conf:        pm.Conf,
		PublishTime: pm.PublishTime,
	}
	if err := f.cache.Put(p, pm.Sequence); err != nil {
		f.log.Warn().Err(err).Str("denom", pm.Denom).Msg("rejected price")
		if f.metrics != nil {
			f.metrics.PricesRejected.WithLabelValues(pm.Denom, "invalid").Inc()
		}
		msg.Term()
		return
	}
	if f.metrics != nil {
		f.metrics.PricesReceived.WithLabelValues(pm.Denom).Inc()
	}
	msg.Ack()
}

// Stop drains the consumer.
func (f *NATSFeed) Stop() {
	if f.consumer != nil {
		f.consumer.Stop()
	}
}

// Connect dials NATS and returns a JetStream handle.
func Connect(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
