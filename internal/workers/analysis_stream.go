package workers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Analyzer accepts finished sessions for scoring.
type Analyzer interface {
	Submit(ctx context.Context, sessionID string) error
}

var (
	_ Analyzer = (*AnalysisWorker)(nil)
	_ Analyzer = (*AnalysisStream)(nil)
)

// AnalysisStream queues analysis requests on a Redis stream so that a
// restart between complete_ack and scoring does not lose the run. Consumers
// in the group call the worker and publish the summary on the session status
// channel.
type AnalysisStream struct {
	Redis      *redis.Client
	Worker     *AnalysisWorker
	NumWorkers int
	Logger     *logrus.Logger

	Stream         string
	Group          string
	ConsumerPrefix string
}

func StatusChannel(sessionID string) string { return "session:" + sessionID + ":status" }

func (p *AnalysisStream) defaults() {
	if p.Stream == "" {
		p.Stream = "analysis:stream"
	}
	if p.Group == "" {
		p.Group = "analysis-workers"
	}
	if p.ConsumerPrefix == "" {
		p.ConsumerPrefix = "c"
	}
	if p.NumWorkers <= 0 {
		// analyses serialise on the llm slot anyway
		p.NumWorkers = 1
	}
	if p.Logger == nil {
		p.Logger = logrus.New()
	}
}

func (p *AnalysisStream) Start(ctx context.Context) error {
	if p.Redis == nil || p.Worker == nil {
		return errors.New("AnalysisStream missing dependency: Redis/Worker must be set")
	}
	p.defaults()

	_ = p.Redis.XGroupCreateMkStream(ctx, p.Stream, p.Group, "0").Err() // ignore BUSYGROUP

	for i := 0; i < p.NumWorkers; i++ {
		consumer := p.ConsumerPrefix + "-" + strconv.Itoa(i+1)
		go p.runConsumer(ctx, consumer)
	}
	return nil
}

func (p *AnalysisStream) Submit(ctx context.Context, sessionID string) error {
	p.defaults()
	return p.Redis.XAdd(ctx, &redis.XAddArgs{
		Stream: p.Stream,
		Values: map[string]any{
			"session_id":  sessionID,
			"enqueued_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
}

func (p *AnalysisStream) runConsumer(ctx context.Context, consumer string) {
	// entries delivered to this consumer before a crash come first
	start := "0"
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := p.Redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    p.Group,
			Consumer: consumer,
			Streams:  []string{p.Stream, start},
			Count:    1,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			p.Logger.WithError(err).Warn("analysis stream read failed")
			time.Sleep(500 * time.Millisecond)
			continue
		}

		n := 0
		for _, stream := range res {
			for _, msg := range stream.Messages {
				n++
				p.handleMsg(ctx, msg)
				_ = p.Redis.XAck(ctx, p.Stream, p.Group, msg.ID).Err()
			}
		}
		if start == "0" && n == 0 {
			start = ">"
		}
	}
}

func (p *AnalysisStream) handleMsg(ctx context.Context, msg redis.XMessage) {
	sessionID, _ := msg.Values["session_id"].(string)
	if sessionID == "" {
		return
	}
	log := p.Logger.WithFields(logrus.Fields{"redis_id": msg.ID, "session_id": sessionID})

	actx, cancel := context.WithTimeout(ctx, p.Worker.AnalysisTimeout)
	defer cancel()
	sum := p.Worker.Analyze(actx, sessionID)
	if !sum.Ran {
		log.Debug("analysis entry had nothing to do")
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"type":    "analysis_complete",
		"summary": sum,
	})
	if err := p.Redis.Publish(context.WithoutCancel(ctx), StatusChannel(sessionID), string(payload)).Err(); err != nil {
		log.WithError(err).Warn("publish analysis summary failed")
	}
}
