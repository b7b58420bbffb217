package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransportClose(t *testing.T) {
	pub := &mockPublisher{}
	sub := &mockSubscriber{}

	assert.NoError(t, Transport{Publisher: pub, Subscriber: sub}.Close())
	assert.True(t, pub.closed)
	assert.True(t, sub.closed)
}

func TestTransportClosePublisherOnly(t *testing.T) {
	pub := &mockPublisher{err: errors.New("close failed")}
	assert.EqualError(t, Transport{Publisher: pub}.Close(), "close failed")
}

func TestConfig_Interface(t *testing.T) {
	var _ Config = (*mockConfig)(nil)
}

type testProvider struct{}

func (testProvider) Capabilities() Capabilities {
	return Capabilities{Name: "test"}
}

func TestCapabilitiesProvider_Interface(t *testing.T) {
	var p CapabilitiesProvider = testProvider{}
	assert.Equal(t, "test", p.Capabilities().Name)
}
