package notify

import (
	"foreman/internal/config"
)

// FromConfig builds the sinks configured under notify. The returned func
// closes any connections opened.
func FromConfig(cfg *config.Config) ([]Sink, func(), error) {
	var sinks []Sink
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	for _, hook := range cfg.Notify.Webhooks {
		s, err := NewWebhookSink(hook, nil)
		if err != nil {
			return nil, closeAll, err
		}
		sinks = append(sinks, s)
	}
	if url := cfg.Notify.NATS.URL; url != "" {
		s, err := DialNATS(url, cfg.Notify.NATS.SubjectPrefix)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		sinks = append(sinks, s)
		closers = append(closers, s.Close)
	}
	return sinks, closeAll, nil
}
