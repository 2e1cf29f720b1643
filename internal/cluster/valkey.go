package cluster

import (
	"context"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/valkey-io/valkey-go"
)

type ValkeyOptions struct {
	Address  string
	Password string
	Channel  string
	NodeID   string
}

// ValkeyBus fans events out over a Valkey pub/sub channel.
type ValkeyBus struct {
	client  valkey.Client
	channel string
	node    string
	logger  zerolog.Logger
	timeout time.Duration
	backoff backoff
}

func NewValkeyBus(ctx context.Context, opts ValkeyOptions) (*ValkeyBus, error) {
	clientOpts := valkey.ClientOption{InitAddress: []string{opts.Address}}
	if opts.Password != "" {
		clientOpts.Password = opts.Password
	}
	client, err := valkey.NewClient(clientOpts)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeNetwork, "create valkey client")
	}
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, errors.CodeNetwork, "ping valkey")
	}
	return &ValkeyBus{
		client:  client,
		channel: opts.Channel,
		node:    opts.NodeID,
		logger:  log.With().Str("component", "cluster").Str("channel", opts.Channel).Logger(),
		timeout: 5 * time.Second,
		backoff: defaultBackoff,
	}, nil
}

func (b *ValkeyBus) Publish(_ context.Context, e Event) {
	if e.Origin == "" {
		e.Origin = b.node
	}
	msg, err := e.Encode()
	if err != nil {
		b.logger.Warn().Err(err).Msg("encode cluster event")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		cmd := b.client.B().Publish().Channel(b.channel).Message(string(msg)).Build()
		if err := b.client.Do(ctx, cmd).Error(); err != nil {
			b.logger.Warn().Err(err).Str("site", e.Site).Msg("publish cluster event")
		}
	}()
}

// Subscribe listens on the cluster channel until ctx is done, subscribing
// again with backoff whenever the connection drops.
func (b *ValkeyBus) Subscribe(ctx context.Context, fn func(Event)) error {
	cmd := b.client.B().Subscribe().Channel(b.channel).Build()
	receive := func(ctx context.Context) error {
		return b.client.Receive(ctx, cmd, func(m valkey.PubSubMessage) {
			e, err := Decode([]byte(m.Message))
			if err != nil {
				b.logger.Warn().Err(err).Msg("decode cluster event")
				return
			}
			if e.Origin == b.node {
				return
			}
			fn(e)
		})
	}
	resubscribe(ctx, receive, b.backoff, &b.logger)
	return nil
}

type backoff struct {
	min, max time.Duration
}

var defaultBackoff = backoff{min: time.Second, max: 30 * time.Second}

// resubscribe runs receive until ctx is done. A failed or ended
// subscription is retried after a delay that doubles up to max and starts
// over once a subscription has held for longer than max.
func resubscribe(ctx context.Context, receive func(context.Context) error, bo backoff, logger *zerolog.Logger) {
	delay := bo.min
	for {
		began := time.Now()
		err := receive(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(began) > bo.max {
			delay = bo.min
		}
		if err == nil {
			err = errors.New(errors.CodeNetwork, "subscription ended")
		}
		logger.Warn().Err(err).Dur("retryIn", delay).Msg("cluster subscription lost")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if delay *= 2; delay > bo.max {
			delay = bo.max
		}
	}
}

func (b *ValkeyBus) Close() { b.client.Close() }
