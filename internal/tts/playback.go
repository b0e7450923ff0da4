package tts

import (
	"context"
	"time"

	"github.com/lexiqai/voice-pipeline/internal/resilience"
)

const (
	readyPollInterval = 10 * time.Millisecond
	drainInterval     = 50 * time.Millisecond
)

// playbackTask drains the audio buffer into the sink for one utterance
type playbackTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *playbackTask) stop(timeout time.Duration) bool {
	p.cancel()
	return resilience.WaitTimeout(p.done, timeout)
}

func (c *ElevenLabsClient) startPlayback() *playbackTask {
	ctx, cancel := context.WithCancel(context.Background())
	task := &playbackTask{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(task.done)
		c.runPlayback(ctx)
	}()

	return task
}

// runPlayback waits for the prebuffer, then forwards audio until the utterance
// is finished and fully drained
func (c *ElevenLabsClient) runPlayback(ctx context.Context) {
	poll := time.NewTicker(readyPollInterval)
	for !c.buffer.IsReady() {
		select {
		case <-ctx.Done():
			poll.Stop()
			return
		case <-poll.C:
		}
	}
	poll.Stop()

	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		if data := c.buffer.Drain(); len(data) > 0 {
			if ctx.Err() != nil {
				return
			}
			if err := c.sink.SendAudio(data); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to deliver synthesized audio")
				return
			}
		}

		if c.buffer.Done() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
