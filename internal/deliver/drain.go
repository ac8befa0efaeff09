package deliver

import (
	"context"

	"github.com/juju/errors"
	"github.com/temoto/sensagent/internal/metrics"
	"github.com/temoto/sensagent/internal/reading"
)

// drain sends whole buffer in one session, removes it only if every record succeeded.
func (c *Coordinator) drain(ctx context.Context) {
	log := c.env.Log
	if n := c.session.PendingCommit; n > 0 {
		if err := c.env.Buffer.Commit(n); err != nil {
			c.env.Metrics.IncCommitFailure()
			log.Errorf("CRITICAL buffer commit retry pending=%d, skip drain err=%v", n, err)
			return
		}
		log.Infof("buffer commit retry ok pending=%d", n)
		c.session.PendingCommit = 0
	}

	batch, err := c.env.Buffer.ReadAll()
	if err != nil {
		log.Errorf("buffer read err=%v", err)
		return
	}
	if len(batch) == 0 {
		return
	}
	log.Debugf("drain records=%d", len(batch))

	if err = c.sendBatch(ctx, batch); err != nil {
		c.env.Metrics.IncDrainFailure()
		log.Errorf("drain records=%d err=%v", len(batch), err)
		return
	}
	if err = c.env.Buffer.Commit(len(batch)); err != nil {
		c.session.PendingCommit = len(batch)
		c.env.Metrics.IncCommitFailure()
		log.Errorf("CRITICAL buffer commit records=%d err=%v", len(batch), err)
		return
	}
	c.env.Metrics.AddDelivered(metrics.SourceCached, len(batch))
	log.Infof("drain delivered records=%d", len(batch))
}

func (c *Coordinator) sendBatch(ctx context.Context, batch [][]byte) error {
	session, err := c.env.Publisher.Open(ctx)
	if err != nil {
		return errors.Annotate(err, "session open")
	}
	defer session.Close()
	for i, line := range batch {
		if err = session.Publish(ctx, c.payload(line)); err != nil {
			return errors.Annotatef(err, "record=%d/%d", i+1, len(batch))
		}
	}
	return nil
}

// payload sends undecodable line as is, it must not block the rest of buffer.
func (c *Coordinator) payload(line []byte) []byte {
	p, err := c.env.Codec.Payload(line)
	if err != nil {
		c.env.Log.Errorf("codec=%s send raw line err=%v", c.env.Codec.Name(), err)
		return line
	}
	return p
}

func (c *Coordinator) publishFresh(ctx context.Context) {
	log := c.env.Log
	r, err := c.env.Producer.Produce(reading.NicknameLatest)
	if err != nil {
		log.Errorf("produce err=%v", err)
		c.published(false)
		return
	}
	c.env.Metrics.IncProduced()

	line, err := r.Marshal()
	if err == nil {
		err = c.publishOne(ctx, c.payload(line))
	}
	if err == nil {
		c.env.Metrics.AddDelivered(metrics.SourceLatest, 1)
		log.Infof("published %s", r)
		c.published(true)
		return
	}
	c.published(false)
	log.Errorf("publish fresh id=%s, buffering err=%v", r.ID, err)

	cached := r.Tag(reading.NicknameCached)
	line, err = cached.Marshal()
	if err == nil {
		err = c.env.Buffer.Append(line)
	}
	if err != nil {
		c.env.Metrics.IncLost()
		log.Errorf("CRITICAL reading lost id=%s err=%v", r.ID, err)
		return
	}
	c.env.Metrics.IncBuffered()
	log.Infof("buffered %s", cached)
}

func (c *Coordinator) publishOne(ctx context.Context, payload []byte) error {
	session, err := c.env.Publisher.Open(ctx)
	if err != nil {
		return errors.Annotate(err, "session open")
	}
	err = session.Publish(ctx, payload)
	if errClose := session.Close(); errClose != nil {
		c.env.Log.Debugf("session close err=%v", errClose)
	}
	return err
}

func (c *Coordinator) published(ok bool) {
	if c.env.OnPublish != nil {
		c.env.OnPublish(ok)
	}
}
