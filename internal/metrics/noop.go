package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

func (n *NoopCollector) SMTPConnectionOpened(mode string) {}
func (n *NoopCollector) SMTPConnectionClosed(mode string) {}
func (n *NoopCollector) TLSConnectionEstablished()        {}
func (n *NoopCollector) MessageIngested(domain string, sizeBytes int64) {}
func (n *NoopCollector) MessageRejected(reason string)    {}

func (n *NoopCollector) EventPublished(kind string) {}
func (n *NoopCollector) EventDropped(kind string)   {}

func (n *NoopCollector) WebhookAttempt(event string)   {}
func (n *NoopCollector) WebhookSucceeded(event string) {}
func (n *NoopCollector) WebhookFailed(event string)    {}

func (n *NoopCollector) MessagesSwept(count int) {}

func (n *NoopCollector) RateLimitRejected(address string) {}

func (n *NoopCollector) HTTPRequest(route string, status int) {}
func (n *NoopCollector) IMAPSessionOpened()                    {}
func (n *NoopCollector) IMAPSessionClosed()                    {}
