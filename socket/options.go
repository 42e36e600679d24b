package socket

const (
	DefaultPingInterval = 10000
	DefaultTimeoutDelay = 8000
)

// Options mirrors the socket's mutable options record. Durations are in
// milliseconds, the unit used on the wire.
type Options struct {
	PingInterval int  `json:"ping_interval,omitempty" mapstructure:"ping_interval"`
	TimeoutDelay int  `json:"timeout_delay,omitempty" mapstructure:"timeout_delay"`
	DontPing     bool `json:"dont_ping,omitempty" mapstructure:"dont_ping"`
	Quiet        bool `json:"quiet,omitempty" mapstructure:"quiet"`
}

// OptionsPatch is a partial Options record. Nil fields are absent and never
// overwrite an existing value.
type OptionsPatch struct {
	PingInterval *int  `json:"ping_interval,omitempty"`
	TimeoutDelay *int  `json:"timeout_delay,omitempty"`
	DontPing     *bool `json:"dont_ping,omitempty"`
	Quiet        *bool `json:"quiet,omitempty"`
}

func Int(v int) *int { return &v }

func Bool(v bool) *bool { return &v }

// Apply copies the present keys of p into o.
func (o *Options) Apply(p OptionsPatch) {
	if p.PingInterval != nil {
		o.PingInterval = *p.PingInterval
	}
	if p.TimeoutDelay != nil {
		o.TimeoutDelay = *p.TimeoutDelay
	}
	if p.DontPing != nil {
		o.DontPing = *p.DontPing
	}
	if p.Quiet != nil {
		o.Quiet = *p.Quiet
	}
}

// IsEmpty reports whether the patch carries no keys.
func (p OptionsPatch) IsEmpty() bool {
	return p.PingInterval == nil && p.TimeoutDelay == nil && p.DontPing == nil && p.Quiet == nil
}

// Diff returns the patch that turns o into next.
func (o Options) Diff(next Options) OptionsPatch {
	var p OptionsPatch
	if o.PingInterval != next.PingInterval {
		p.PingInterval = Int(next.PingInterval)
	}
	if o.TimeoutDelay != next.TimeoutDelay {
		p.TimeoutDelay = Int(next.TimeoutDelay)
	}
	if o.DontPing != next.DontPing {
		p.DontPing = Bool(next.DontPing)
	}
	if o.Quiet != next.Quiet {
		p.Quiet = Bool(next.Quiet)
	}
	return p
}

func (o Options) pingInterval() int {
	if o.PingInterval > 0 {
		return o.PingInterval
	}
	return DefaultPingInterval
}

func (o Options) timeoutDelay() int {
	if o.TimeoutDelay > 0 {
		return o.TimeoutDelay
	}
	return DefaultTimeoutDelay
}
