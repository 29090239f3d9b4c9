package mqtt

import (
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixmarket/dispatch/core/logger"
	"github.com/fixmarket/dispatch/infra/notify"
)

type mockToken struct {
	err error
}

func (t *mockToken) Wait() bool                       { return true }
func (t *mockToken) WaitTimeout(_ time.Duration) bool { return true }
func (t *mockToken) Error() error                     { return t.err }
func (t *mockToken) Done() <-chan struct{}            { return make(chan struct{}) }

type mockClient struct {
	mu           sync.Mutex
	topics       []string
	failures     int
	disconnected bool
}

func (m *mockClient) IsConnected() bool       { return true }
func (m *mockClient) Connect() paho.Token     { return &mockToken{} }
func (m *mockClient) Disconnect(quiesce uint) { m.disconnected = true }
func (m *mockClient) Publish(topic string, _ byte, _ bool, _ interface{}) paho.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return &mockToken{err: errors.New("broker unavailable")}
	}
	m.topics = append(m.topics, topic)
	return &mockToken{}
}

func newTestPublisher(cli pahoClient) *Publisher {
	return &Publisher{
		cli:        cli,
		prefix:     "dispatch/events",
		maxRetries: 2,
		backoff:    time.Millisecond,
		log:        logger.Nop{},
	}
}

func TestStream_PublishesToKindTopic(t *testing.T) {
	mc := &mockClient{}
	p := newTestPublisher(mc)

	err := p.Stream(notify.Message{Kind: notify.KindOfferIssued, UserID: "p1"})
	require.NoError(t, err)
	require.Len(t, mc.topics, 1)
	assert.Equal(t, "dispatch/events/offer.issued", mc.topics[0])
}

func TestStream_RetriesThenSucceeds(t *testing.T) {
	mc := &mockClient{failures: 2}
	p := newTestPublisher(mc)

	err := p.Stream(notify.Message{Kind: notify.KindAssigned})
	require.NoError(t, err)
	assert.Len(t, mc.topics, 1)
}

func TestStream_GivesUpAfterRetries(t *testing.T) {
	mc := &mockClient{failures: 10}
	p := newTestPublisher(mc)

	err := p.Stream(notify.Message{Kind: notify.KindAssigned})
	assert.Error(t, err)
}

func TestDisconnect(t *testing.T) {
	mc := &mockClient{}
	p := newTestPublisher(mc)
	p.Disconnect()
	assert.True(t, mc.disconnected)
}
