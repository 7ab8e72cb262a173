// Package hostif declares the four contracts the driver expects from its
// host process (the telephony engine in the source system). Everything
// else in the tree — the GSM L3 codec, the dummy channel driver, the
// plugin glue — is out of scope and reduced to these interfaces.
package hostif

import "time"

// ConfigSource resolves named options to strings, the way the host engine's
// runtime parameter store would. internal/config.Load uses it to seed
// defaults before CLI/file overrides are applied.
type ConfigSource interface {
	GetOption(name string) (value string, ok bool)
}

// Message is one control-bus entry, either ingress (§6.5) or egress (§6.6).
type Message struct {
	Module   string
	Interface string
	Op       string
	Params   map[string]string
}

// ControlBus delivers named operations to named interfaces and carries
// result/notification messages back out.
type ControlBus interface {
	Send(msg Message) error
	Subscribe(iface string) (<-chan Message, error)
}

// LogSink is the minimal structured-logging contract the driver needs from
// the host. cmd/hsdrd supplies a charmbracelet/log.Logger, which satisfies
// it; internal/device discards log output when none is supplied.
type LogSink interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// TickSource delivers a periodic tick used to drive the VCTCXO discipliner
// (§4.11) without the driver owning its own timer thread.
type TickSource interface {
	Tick() <-chan time.Time
	Stop()
}

// StaticConfigSource is a trivial map-backed ConfigSource, useful for tests
// and for a host that has no dynamic parameter store of its own.
type StaticConfigSource map[string]string

func (s StaticConfigSource) GetOption(name string) (string, bool) {
	v, ok := s[name]
	return v, ok
}

// TickerSource adapts a time.Ticker to TickSource.
type TickerSource struct {
	ticker *time.Ticker
}

func NewTickerSource(period time.Duration) *TickerSource {
	return &TickerSource{ticker: time.NewTicker(period)}
}

func (t *TickerSource) Tick() <-chan time.Time { return t.ticker.C }
func (t *TickerSource) Stop()                  { t.ticker.Stop() }
