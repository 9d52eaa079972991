package replication

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/logging"
)

// stream applies the master's command stream until the link fails. Every
// command's exact bytes advance the offset and are relayed to
// sub-replicas, including PING, SELECT and REPLCONF GETACK.
func (c *replicaClient) stream() (linkState, error) {
	c.m.setLinkUp()
	c.logger.Info("master link up", logging.Offset(c.m.Offset()))

	if err := c.conn.SetDeadline(time.Time{}); err != nil {
		return stateConnect, err
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.ackLoop(stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.m.cfg.Timeout)); err != nil {
			return stateConnect, err
		}
		args, raw, err := c.r.ReadCommandRaw()
		if err != nil {
			return stateConnect, fmt.Errorf("read from master: %w", err)
		}
		if err := c.process(args, raw); err != nil {
			return stateConnect, err
		}
	}
}

func (c *replicaClient) process(args [][]byte, raw []byte) error {
	apply := len(args) > 0
	if apply {
		switch {
		case eqFold(args[0], "PING"):
			apply = false
		case eqFold(args[0], "SELECT"):
			if len(args) != 2 {
				return fmt.Errorf("%w: malformed SELECT", ErrProtocolMismatch)
			}
			db, err := strconv.Atoi(string(args[1]))
			if err != nil || db < 0 {
				return fmt.Errorf("%w: bad SELECT index %q", ErrProtocolMismatch, args[1])
			}
			c.db = db
			apply = false
		case eqFold(args[0], "REPLCONF"):
			if len(args) >= 2 && eqFold(args[1], "GETACK") {
				if err := c.sendAck(); err != nil {
					return fmt.Errorf("reply to GETACK: %w", err)
				}
			}
			apply = false
		}
	}
	c.m.applyFromMaster(c.db, args, raw, apply)
	return nil
}

// ackLoop reports the processed offset once per second.
func (c *replicaClient) ackLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.sendAck(); err != nil {
				c.logger.Debug("periodic ack failed", logging.Error(err))
			}
		}
	}
}
