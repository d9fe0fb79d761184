package metrics

import "time"

type NoopCollector struct{}

var _ Collector = (*NoopCollector)(nil)

func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

func (nc *NoopCollector) Fault(kind string)                                        {}
func (nc *NoopCollector) RBCDelivered(size int)                                    {}
func (nc *NoopCollector) AgreementDecided(value bool, epochs int)                  {}
func (nc *NoopCollector) SessionDecided(contributions int, duration time.Duration) {}
