package eventbus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	dbmigrations "github.com/coachpo/activitybus/db/migrations"
	"github.com/coachpo/activitybus/internal/domain/activity"
	"github.com/coachpo/activitybus/internal/infra/persistence/migrations"
)

func startContainer(t *testing.T, req testcontainers.ContainerRequest) (string, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, nat.Port(req.ExposedPorts[0]))
	require.NoError(t, err)
	return host, port.Port()
}

func startRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	host, port := startContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
	})
	client := redis.NewClient(&redis.Options{Addr: host + ":" + port})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	host, port := startContainer(t, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "activity"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	})
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/activity?sslmode=disable", host, port)

	ctx := context.Background()
	require.NoError(t, migrations.ApplyEmbedded(ctx, dsn, dbmigrations.Files, nil))
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

// exerciseDurableBus runs the behaviour every persistent backend shares.
func exerciseDurableBus(t *testing.T, bus Bus, retention int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, bus.Ping(ctx))

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, typ := range []string{"upload", "ocr_completed", "error"} {
		evt := mustEvent(t, "acme", typ, fmt.Sprintf(`{"n":%d,"file":"a.pdf"}`, i), base.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, bus.Publish(ctx, evt))
	}
	events, err := bus.List(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []string{"upload", "ocr_completed", "error"},
		[]string{events[0].Type, events[1].Type, events[2].Type})
	assert.Equal(t, `{"n":0,"file":"a.pdf"}`, string(events[0].Details))
	assert.True(t, events[0].Timestamp.Equal(base))

	other, err := bus.List(ctx, "globex", 10)
	require.NoError(t, err)
	assert.Empty(t, other)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < retention; i++ {
				evt, err := activity.New(activity.Draft{TenantID: "bulk", Type: "upload"}, time.Now())
				if err != nil {
					t.Error(err)
					return
				}
				if err := bus.Publish(ctx, evt); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	bulk, err := bus.List(ctx, "bulk", retention*10)
	require.NoError(t, err)
	assert.Len(t, bulk, retention)
}

func TestStreamBusIntegration(t *testing.T) {
	client := startRedis(t)
	bus := NewStreamBus(client, Config{Retention: 20}, WithStreamLogger(quietLogger()))
	t.Cleanup(bus.Close)

	assert.Equal(t, KindStream, bus.Kind())
	exerciseDurableBus(t, bus, 20)
}

func TestStreamBusRelaysForeignEvents(t *testing.T) {
	client := startRedis(t)
	writer := NewStreamBus(client, Config{}, WithStreamLogger(quietLogger()), WithStreamInstanceID("writer"))
	reader := NewStreamBus(client, Config{}, WithStreamLogger(quietLogger()),
		WithStreamInstanceID("reader"), WithStreamRelay())
	t.Cleanup(writer.Close)
	t.Cleanup(reader.Close)

	ctx := context.Background()
	_, ch, err := reader.Subscribe(ctx, "acme")
	require.NoError(t, err)

	// The pattern subscription may attach after the first publish, so retry until one lands.
	evt := mustEvent(t, "acme", "upload", `{}`, time.Now())
	assert.Eventually(t, func() bool {
		if err := writer.Publish(ctx, evt); err != nil {
			return false
		}
		select {
		case got := <-ch:
			return got.ID == evt.ID
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
}

func TestDatabaseBusIntegration(t *testing.T) {
	pool := startPostgres(t)
	bus := NewDatabaseBus(pool, Config{Retention: 20}, WithDatabaseLogger(quietLogger()))
	t.Cleanup(bus.Close)

	assert.Equal(t, KindDatabase, bus.Kind())
	exerciseDurableBus(t, bus, 20)
}

func TestDatabaseBusListOrdersByCreationTime(t *testing.T) {
	pool := startPostgres(t)
	bus := NewDatabaseBus(pool, Config{}, WithDatabaseLogger(quietLogger()))
	t.Cleanup(bus.Close)
	ctx := context.Background()

	// inserted out of creation order: seq alone would put "late" first
	base := time.Now().UTC().Truncate(time.Millisecond)
	late := mustEvent(t, "acme", "ocr_completed", `{}`, base.Add(time.Second))
	early := mustEvent(t, "acme", "upload", `{}`, base)
	require.NoError(t, bus.Publish(ctx, late))
	require.NoError(t, bus.Publish(ctx, early))

	events, err := bus.List(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, early.ID, events[0].ID)
	assert.Equal(t, late.ID, events[1].ID)

	newest, err := bus.List(ctx, "acme", 1)
	require.NoError(t, err)
	require.Len(t, newest, 1)
	assert.Equal(t, late.ID, newest[0].ID)
}

func TestDatabaseBusRelaysForeignEvents(t *testing.T) {
	pool := startPostgres(t)
	writer := NewDatabaseBus(pool, Config{}, WithDatabaseLogger(quietLogger()))
	reader := NewDatabaseBus(pool, Config{}, WithDatabaseLogger(quietLogger()), WithDatabaseRelay())
	t.Cleanup(writer.Close)
	t.Cleanup(reader.Close)

	ctx := context.Background()
	_, ch, err := reader.Subscribe(ctx, "acme")
	require.NoError(t, err)

	var (
		mu        sync.Mutex
		published = map[string]bool{}
	)
	assert.Eventually(t, func() bool {
		evt, err := activity.New(activity.Draft{TenantID: "acme", Type: "upload", Details: []byte(`{"k":"v"}`)}, time.Now())
		if err != nil {
			return false
		}
		if err := writer.Publish(ctx, evt); err != nil {
			return false
		}
		mu.Lock()
		published[evt.ID] = true
		mu.Unlock()
		select {
		case got := <-ch:
			mu.Lock()
			defer mu.Unlock()
			return published[got.ID] && string(got.Details) == `{"k":"v"}`
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 50*time.Millisecond)
}
