package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/callbridge/internal/callbridge/media"
)

type bogusDescriptor struct{ Official }

func TestNewNegotiatorValidates(t *testing.T) {
	m := newFakeMedia(media.EncodingPCM16)

	_, err := NewNegotiator(nil, NegotiatorConfig{Media: m})
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	_, err = NewNegotiator(bogusDescriptor{}, NegotiatorConfig{Media: m})
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	_, err = NewNegotiator(Official{SDPOffer: testOffer}, NegotiatorConfig{})
	assert.Error(t, err)
}

func TestNegotiatorOfficialLifecycle(t *testing.T) {
	m := newFakeMedia(media.EncodingPCM16)
	answers := &answerRecorder{}
	n, err := NewNegotiator(Official{SDPOffer: testOffer}, NegotiatorConfig{
		CallID:  "call-1",
		Media:   m,
		Answers: answers,
	})
	require.NoError(t, err)
	assert.Equal(t, KindOfficial, n.Kind())
	assert.Equal(t, StatusDisconnected, n.Status())

	ctx := context.Background()
	require.NoError(t, n.Start(ctx))
	require.NoError(t, n.Start(ctx))
	assert.Equal(t, 1, n.Starts())
	assert.True(t, n.Running())
	assert.Len(t, answers.all(), 1)

	require.NoError(t, n.Stop())
	require.NoError(t, n.Stop())
	assert.False(t, n.Running())

	// A resumed call restarts on the same negotiator with a fresh transport.
	require.NoError(t, n.Start(ctx))
	assert.Equal(t, 2, n.Starts())
	assert.Len(t, answers.all(), 2)

	require.NoError(t, n.Close())
	assert.ErrorIs(t, n.Start(ctx), ErrStopped)

	acquired, released := m.counts()
	assert.Equal(t, 2, acquired)
	assert.Equal(t, 2, released)
}

func TestNegotiatorRemembersMute(t *testing.T) {
	m := newFakeMedia(media.EncodingPCM16)
	n, err := NewNegotiator(Official{SDPOffer: testOffer}, NegotiatorConfig{
		CallID:  "call-1",
		Media:   m,
		Answers: &answerRecorder{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })

	n.SetMuted(true)
	require.NoError(t, n.Start(context.Background()))
	assert.False(t, m.stream.Enabled())

	n.SetMuted(false)
	assert.True(t, m.stream.Enabled())
}

func TestNegotiatorStartFailureLeavesItIdle(t *testing.T) {
	m := newFakeMedia(media.EncodingPCM16)
	m.negotiate = media.ErrNegotiationUnsupported
	n, err := NewNegotiator(Official{SDPOffer: testOffer}, NegotiatorConfig{CallID: "c", Media: m})
	require.NoError(t, err)

	err = n.Start(context.Background())
	assert.ErrorIs(t, err, media.ErrNegotiationUnsupported)
	assert.False(t, n.Running())
	assert.Equal(t, StatusDisconnected, n.Status())
}

func TestNegotiatorUnofficialReportsReconnects(t *testing.T) {
	as := newAudioServer(t)
	m := newFakeMedia(media.EncodingPCM16)

	kinds := make(chan Kind, 4)
	n, err := NewNegotiator(as.descriptor(), NegotiatorConfig{
		CallID:         "call-1",
		Token:          "dev-token",
		Media:          m,
		Insecure:       true,
		ReconnectDelay: testReconnectDelay,
		OnReconnect:    func(k Kind) { kinds <- k },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })

	require.NoError(t, n.Start(context.Background()))
	first := as.next(t)
	_ = first.Close()
	as.next(t)

	select {
	case k := <-kinds:
		assert.Equal(t, KindUnofficial, k)
	case <-time.After(time.Second):
		t.Fatal("reconnect not reported")
	}
}
