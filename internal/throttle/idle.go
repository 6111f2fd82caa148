package throttle

// CheckIdle polls the loaded work units of the primary world and forces a full
// collection once, on the transition from loaded to empty.
func (c *Controller) CheckIdle() {
	defer c.recoverPanic("check_idle")

	if c.deps.Workload == nil {
		return
	}
	if !c.observeLoad() {
		return
	}
	c.logger.Info("no chunks loaded, had chunks before", "world", c.cfg.PrimaryWorld)
	c.logger.Info("flushing memory")
	if c.deps.GC != nil {
		c.deps.GC.ForceFullCollection()
	}
}

// observeLoad records the current load and reports a falling edge to zero.
func (c *Controller) observeLoad() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return false
	}
	loaded := c.deps.Workload.LoadedWorkUnits(c.cfg.PrimaryWorld)
	flush := loaded == 0 && c.state.HadActiveLoad
	c.state.HadActiveLoad = loaded > 0
	if flush {
		c.collections++
	}
	return flush
}
