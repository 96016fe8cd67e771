package engine

import "time"

// retentionLoop prunes settled history on a slow cadence.
func (e *Engine) retentionLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.RetentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sweepRetention()
		}
	}
}

// sweepRetention deletes events every other known node has acknowledged,
// plus anything older than the retention window regardless of receipts.
// Events we cannot prove were delivered stay until the age cap.
func (e *Engine) sweepRetention() {
	nodes, err := e.store.ListNodes()
	if err != nil {
		e.logger.Warn().Err(err).Msg("retention peer listing failed")
		return
	}
	peers := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.NodeID != e.cfg.SelfID {
			peers = append(peers, n.NodeID)
		}
	}

	cutoff := time.Now().UTC().Add(-e.cfg.RetentionMaxAge)
	pruned, err := e.store.PruneEvents(peers, cutoff)
	if err != nil {
		e.logger.Warn().Err(err).Msg("retention sweep failed")
		return
	}
	if pruned > 0 {
		e.logger.Info().
			Int("events", pruned).
			Int("peers", len(peers)).
			Time("age_cutoff", cutoff).
			Msg("pruned settled events")
	}
}
