package telemetry

import (
	"context"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/ymode/SyntheticCoin-SYNC/internal/fingerprint"
	"github.com/ymode/SyntheticCoin-SYNC/pkg/errors"
	"github.com/ymode/SyntheticCoin-SYNC/pkg/log"
)

// ShareTopic is the ZMQ topic carrying share telemetry frames.
const ShareTopic = "podd.share"

const pollInterval = 250 * time.Millisecond

// Subscriber receives share telemetry from a ZMQ publisher.
// Messages are two frames: the topic, then a wire-encoded share.
type Subscriber struct {
	socket   *zmq.Socket
	poller   *zmq.Poller
	endpoint string
	logger   *log.Logger
}

// NewSubscriber creates a SUB socket for endpoint.
func NewSubscriber(endpoint string, logger *log.Logger) (*Subscriber, error) {
	if logger == nil {
		logger = log.Nop()
	}
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeZMQ, "zmq_socket", "failed to create ZMQ socket")
	}

	poller := zmq.NewPoller()
	poller.Add(socket, zmq.POLLIN)

	return &Subscriber{
		socket:   socket,
		poller:   poller,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
	}, nil
}

// Connect subscribes to ShareTopic and connects to the endpoint.
func (z *Subscriber) Connect() error {
	if err := z.socket.SetSubscribe(ShareTopic); err != nil {
		return errors.Wrap(err, errors.ErrorTypeZMQ, "zmq_subscribe", "failed to subscribe").
			WithContext("topic", ShareTopic)
	}
	if err := z.socket.Connect(z.endpoint); err != nil {
		return errors.Wrap(err, errors.ErrorTypeZMQ, "zmq_connect", "failed to connect to ZMQ endpoint").
			WithContext("endpoint", z.endpoint)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint, "topic", ShareTopic)
	return nil
}

// Listen delivers decoded shares to handler until ctx is cancelled.
func (z *Subscriber) Listen(ctx context.Context, handler func(fingerprint.Share) error) error {
	z.logger.Info("starting ZMQ listener")

	for {
		select {
		case <-ctx.Done():
			z.logger.Info("ZMQ listener stopping")
			return ctx.Err()
		default:
		}

		polled, err := z.poller.Poll(pollInterval)
		if err != nil {
			if zmq.AsErrno(err) == zmq.ETERM {
				return errors.Wrap(err, errors.ErrorTypeZMQ, "zmq_poll", "ZMQ context terminated")
			}
			z.logger.WithError(err).Error("failed to poll ZMQ socket")
			continue
		}
		if len(polled) == 0 {
			continue
		}

		frames, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			z.logger.WithError(err).Error("failed to receive ZMQ message")
			continue
		}

		share, err := decodeFrames(frames)
		if err != nil {
			z.logger.WithError(err).Warn("dropping malformed ZMQ message", "parts", len(frames))
			continue
		}
		if err := handler(share); err != nil {
			z.logger.WithError(err).Debug("failed to handle ZMQ share", "device_id", share.DeviceID)
		}
	}
}

// Close closes the socket.
func (z *Subscriber) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

func decodeFrames(frames [][]byte) (fingerprint.Share, error) {
	if len(frames) < 2 {
		return fingerprint.Share{}, errors.Newf(errors.ErrorTypeValidation, "decode_frames",
			"expected 2 frames, got %d", len(frames))
	}
	if topic := string(frames[0]); topic != ShareTopic {
		return fingerprint.Share{}, errors.New(errors.ErrorTypeValidation, "decode_frames", "unexpected topic").
			WithContext("topic", topic)
	}
	return UnmarshalShare(frames[1])
}
