package mongolog_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/agentydragon/coreagent/event"
	"github.com/agentydragon/coreagent/persistence/mongolog"
)

var (
	testMongoClient    *mongodriver.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func setupMongo(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if containerErr != nil {
		t.Logf("docker not available, skipping mongolog tests: %v", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		skipMongoTests = true
		return
	}
	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		skipMongoTests = true
		return
	}
	if err := testMongoClient.Ping(ctx, nil); err != nil {
		skipMongoTests = true
		return
	}
}

func getStore(t *testing.T) *mongolog.Store {
	t.Helper()
	if testMongoClient == nil && !skipMongoTests {
		setupMongo(t)
	}
	if skipMongoTests {
		t.Skip("docker not available, skipping mongolog test")
	}
	store, err := mongolog.New(context.Background(), mongolog.Options{
		Client:     testMongoClient,
		Database:   "coreagent_test",
		Collection: t.Name(),
	})
	require.NoError(t, err)
	return store
}

func TestAppendAndListRoundTrip(t *testing.T) {
	store := getStore(t)
	ctx := context.Background()

	rec1, err := store.Append(ctx, "run-1", event.Event{Item: event.UserText{Text: "hi"}})
	require.NoError(t, err)
	rec2, err := store.Append(ctx, "run-1", event.Event{Item: event.AssistantText{Text: "hello"}})
	require.NoError(t, err)

	require.Equal(t, int64(0), rec1.SequenceNum)
	require.Equal(t, int64(1), rec2.SequenceNum)

	page, err := store.List(ctx, "run-1", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	require.Empty(t, page.NextCursor)
}

func TestListPaginatesByCursor(t *testing.T) {
	store := getStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := store.Append(ctx, "run-2", event.Event{Item: event.UserText{Text: "msg"}})
		require.NoError(t, err)
	}

	page, err := store.List(ctx, "run-2", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	require.NotEmpty(t, page.NextCursor)

	page2, err := store.List(ctx, "run-2", page.NextCursor, 10)
	require.NoError(t, err)
	require.Len(t, page2.Records, 1)
	require.Empty(t, page2.NextCursor)
}
