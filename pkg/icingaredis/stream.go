package icingaredis

import (
	"context"
	"github.com/icinga/icinga-go-library/com"
	"github.com/icinga/icinga-go-library/logging"
	"github.com/icinga/icinga-go-library/periodic"
	"github.com/icinga/icinga-go-library/redis"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MessageHandler processes a single stream message.
//
// Errors are logged and the message is deleted anyway, as retrying doesn't make a malformed message valid.
// Only errors wrapped with [Fatal] stop the stream.
type MessageHandler func(ctx context.Context, message redis.XMessage) error

type fatalError struct {
	error
}

func (e fatalError) Unwrap() error {
	return e.error
}

// Fatal marks err as stopping the stream the handler is called for.
func Fatal(err error) error {
	return fatalError{err}
}

// Stream consumes a Redis stream, passes each message to a MessageHandler and deletes it afterwards.
type Stream struct {
	redis   *redis.Client
	logger  *logging.Logger
	key     string
	name    string
	handler MessageHandler
}

// NewStream creates a new Stream reading from key. name describes the messages in log messages.
func NewStream(
	redis *redis.Client, logger *logging.Logger, key, name string, handler MessageHandler,
) *Stream {
	return &Stream{
		redis:   redis,
		logger:  logger,
		key:     key,
		name:    name,
		handler: handler,
	}
}

// Run consumes the stream until ctx is done or an error occurs.
//
// The messages flow through three stages connected by channels:
// readFromRedis, handle and deleteFromRedis. A message is only deleted once it has been handled.
func (s *Stream) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// Make the first channel buffered so that all items of one read iteration fit into the channel.
	// This allows starting the next Redis XREAD right after the previous one has finished.
	read := make(chan redis.XMessage, s.redis.Options.XReadCount)
	handled := make(chan redis.XMessage)

	g.Go(func() error {
		return s.readFromRedis(ctx, read)
	})

	g.Go(func() error {
		return s.handle(ctx, read, handled)
	})

	g.Go(func() error {
		return s.deleteFromRedis(ctx, handled)
	})

	return g.Wait()
}

// readFromRedis reads the stream from the beginning and feeds the messages into output.
func (s *Stream) readFromRedis(ctx context.Context, output chan<- redis.XMessage) error {
	defer close(output)

	xra := &redis.XReadArgs{
		Streams: []string{s.key, "0-0"},
		Count:   int64(s.redis.Options.XReadCount),
	}

	for {
		streams, err := s.redis.XReadUntilResult(ctx, xra)
		if err != nil {
			return errors.Wrapf(err, "can't read %s", s.name)
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				xra.Streams[1] = message.ID

				select {
				case output <- message:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// handle passes every message from input to s.handler and forwards it to output afterwards.
func (s *Stream) handle(ctx context.Context, input <-chan redis.XMessage, output chan<- redis.XMessage) error {
	defer close(output)

	for {
		select {
		case message, ok := <-input:
			if !ok {
				return nil
			}

			if err := s.handler(ctx, message); err != nil {
				var fe fatalError
				if errors.As(err, &fe) {
					return errors.Wrapf(fe.error, "can't handle %s %s", s.name, message.ID)
				}

				s.logger.Warnw("Discarding invalid message",
					zap.String("stream", s.key),
					zap.String("id", message.ID),
					zap.Error(err))
			}

			select {
			case output <- message:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// deleteFromRedis deletes the messages received from input from the stream.
func (s *Stream) deleteFromRedis(ctx context.Context, input <-chan redis.XMessage) error {
	var counter com.Counter
	defer periodic.Start(ctx, s.logger.Interval(), func(_ periodic.Tick) {
		if count := counter.Reset(); count > 0 {
			s.logger.Infof("Processed %d %s", count, s.name)
		}
	}).Stop()

	bulks := com.Bulk(ctx, input, s.redis.Options.HScanCount, com.NeverSplit[redis.XMessage])
	for {
		select {
		case bulk, ok := <-bulks:
			if !ok {
				return nil
			}

			ids := make([]string, len(bulk))
			for i := range bulk {
				ids[i] = bulk[i].ID
			}

			cmd := s.redis.XDel(ctx, s.key, ids...)
			if _, err := cmd.Result(); err != nil {
				return redis.WrapCmdErr(cmd)
			}

			counter.Add(uint64(len(ids)))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
