package instrument

// Check reports whether rewritten units are verified.
func (i *Instrumentor) Check() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.check
}

func (i *Instrumentor) SetCheck(v bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.check = v
}

func (i *Instrumentor) AllowMonitors() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.allowMonitors
}

func (i *Instrumentor) SetAllowMonitors(v bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.allowMonitors = v
}

func (i *Instrumentor) AllowBlocking() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.allowBlocking
}

func (i *Instrumentor) SetAllowBlocking(v bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.allowBlocking = v
}

func (i *Instrumentor) AllowPlatform() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.allowPlatform
}

func (i *Instrumentor) SetAllowPlatform(v bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.allowPlatform = v
}

// AOT reports whether output is marked as instrumented ahead of time.
func (i *Instrumentor) AOT() bool {
	return i.aot
}

func (i *Instrumentor) Verbose() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.verbose
}

// SetVerbose enables info messages.
func (i *Instrumentor) SetVerbose(v bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.verbose = v
	i.mask = maskFor(i.verbose, i.debug)
}

func (i *Instrumentor) Debug() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.debug
}

// SetDebug enables info and debug messages.
func (i *Instrumentor) SetDebug(v bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.debug = v
	i.mask = maskFor(i.verbose, i.debug)
}

// Enabled reports whether messages at level reach the log.
func (i *Instrumentor) Enabled(level Level) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.mask.has(level)
}

func (i *Instrumentor) DumpPrefix() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.dumpPrefix
}

// SetDumpPrefix selects the classes to snapshot. Empty disables snapshots.
func (i *Instrumentor) SetDumpPrefix(prefix string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.dumpPrefix = prefix
}

func (i *Instrumentor) SetLog(l Log) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.log = l
}

func (i *Instrumentor) SetSnapshotter(s Snapshotter) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.snap = s
}
