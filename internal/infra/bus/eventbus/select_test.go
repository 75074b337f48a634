package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pingBus is a MemoryBus whose Kind and Ping outcome are fixed by the test.
type pingBus struct {
	*MemoryBus
	kind    Kind
	pingErr error
	closed  bool
}

func (b *pingBus) Kind() Kind { return b.kind }

func (b *pingBus) Ping(context.Context) error { return b.pingErr }

func (b *pingBus) Close() {
	b.closed = true
	b.MemoryBus.Close()
}

func newPingBus(kind Kind, pingErr error) *pingBus {
	return &pingBus{MemoryBus: NewMemoryBus(Config{}, WithMemoryLogger(quietLogger())), kind: kind, pingErr: pingErr}
}

func TestOpenPrefersFirstHealthyCandidate(t *testing.T) {
	stream := newPingBus(KindStream, nil)
	database := newPingBus(KindDatabase, nil)
	var databaseBuilt bool

	bus := Open(context.Background(), []Candidate{
		{Kind: KindStream, Build: func(context.Context) (Bus, error) { return stream, nil }},
		{Kind: KindDatabase, Build: func(context.Context) (Bus, error) {
			databaseBuilt = true
			return database, nil
		}},
	}, WithSelectLogger(quietLogger()))
	t.Cleanup(bus.Close)

	assert.Equal(t, KindStream, bus.Kind())
	assert.False(t, databaseBuilt)
}

func TestOpenSkipsFailedCandidates(t *testing.T) {
	unhealthy := newPingBus(KindStream, errors.New("connection refused"))
	database := newPingBus(KindDatabase, nil)

	bus := Open(context.Background(), []Candidate{
		{Kind: KindStream, Build: func(context.Context) (Bus, error) { return unhealthy, nil }},
		{Kind: KindDatabase, Build: func(context.Context) (Bus, error) { return database, nil }},
	}, WithSelectLogger(quietLogger()))
	t.Cleanup(bus.Close)

	assert.Equal(t, KindDatabase, bus.Kind())
	assert.True(t, unhealthy.closed)
}

func TestOpenFallsBackToMemory(t *testing.T) {
	bus := Open(context.Background(), []Candidate{
		{Kind: KindStream, Build: func(context.Context) (Bus, error) { return nil, errors.New("no redis url") }},
		{Kind: KindDatabase, Build: nil},
	}, WithSelectLogger(quietLogger()))
	t.Cleanup(bus.Close)

	require.NotNil(t, bus)
	assert.Equal(t, KindMemory, bus.Kind())
	assert.NoError(t, bus.Ping(context.Background()))
}

func TestOpenProbeHonoursTimeout(t *testing.T) {
	start := time.Now()
	bus := Open(context.Background(), []Candidate{
		{Kind: KindStream, Build: func(ctx context.Context) (Bus, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
	}, WithSelectLogger(quietLogger()), WithProbeTimeout(50*time.Millisecond))
	t.Cleanup(bus.Close)

	assert.Equal(t, KindMemory, bus.Kind())
	assert.Less(t, time.Since(start), 2*time.Second)
}
