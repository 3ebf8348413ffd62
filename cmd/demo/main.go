// Command demo wires the full runtime together end to end: configuration,
// a model client, the compositor with an echo tool mounted, the policy
// gateway, the notifications buffer, persistence, and the agent loop — and
// runs a single turn, matching §8 scenario 1 (an allow-all policy, one
// tool call, one reply).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/agentydragon/coreagent/agentloop"
	"github.com/agentydragon/coreagent/compositor"
	"github.com/agentydragon/coreagent/config"
	"github.com/agentydragon/coreagent/event"
	"github.com/agentydragon/coreagent/gateway"
	"github.com/agentydragon/coreagent/model"
	"github.com/agentydragon/coreagent/model/anthropic"
	"github.com/agentydragon/coreagent/model/bedrock"
	"github.com/agentydragon/coreagent/model/middleware"
	"github.com/agentydragon/coreagent/model/openai"
	"github.com/agentydragon/coreagent/notify"
	"github.com/agentydragon/coreagent/persistence"
	"github.com/agentydragon/coreagent/persistence/inmem"
	"github.com/agentydragon/coreagent/persistence/mongolog"
	"github.com/agentydragon/coreagent/persistence/redislog"
	"github.com/agentydragon/coreagent/policy"
	"github.com/agentydragon/coreagent/runtime/infra"
	"github.com/agentydragon/coreagent/session"
	sessioninmem "github.com/agentydragon/coreagent/session/inmem"
	"github.com/agentydragon/coreagent/toolprovider"
)

// echoTool is a minimal in-process tool exposed at "echo_run": it returns
// whatever arguments it was called with, enough to exercise §8 scenario 1
// without a real external backend.
type echoTool struct{}

func (echoTool) ListTools(context.Context) ([]toolprovider.ToolSchema, error) {
	return []toolprovider.ToolSchema{{Name: "run", Description: "echoes its arguments back"}}, nil
}

func (echoTool) CallTool(_ context.Context, _ string, args json.RawMessage) (toolprovider.Result, error) {
	return toolprovider.Result{Structured: args}, nil
}

// allowAllEvaluator is a stand-in gateway.Evaluator that allows every call,
// used here in place of a *policy.Engine with an installed program — swap
// one in for real approval logic.
type allowAllEvaluator struct{}

func (allowAllEvaluator) Evaluate(context.Context, policy.Request) (policy.Response, error) {
	return policy.Response{Decision: policy.Allow, Rationale: "demo: allow-all"}, nil
}

func main() {
	ctx := context.Background()
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("demo: invalid config: %v", err)
	}

	client, err := newModelClient(cfg)
	if err != nil {
		log.Fatalf("demo: model client: %v", err)
	}
	client = middleware.RetryPolicy{}.Middleware(client)

	store, err := newStore(ctx, cfg)
	if err != nil {
		log.Fatalf("demo: persistence: %v", err)
	}

	notifications := notify.New()
	comp := compositor.New(notifications)
	if err := comp.MountInproc("echo", echoTool{}, false); err != nil {
		log.Fatalf("demo: mounting echo tool: %v", err)
	}

	gw := gateway.New(comp, allowAllEvaluator{})

	const agentID = "demo-agent"
	sessions := sessioninmem.New()
	rt := infra.New(agentID, comp, gw, notifications, store, sessions)
	defer func() {
		result := rt.Close(ctx)
		if len(result.Errs) > 0 {
			log.Printf("demo: teardown errors: %v", result.Errs)
		}
	}()

	sessionID := uuid.NewString()
	runID := uuid.NewString()
	if _, err := rt.StartRun(ctx, sessionID, runID, time.Now()); err != nil {
		log.Fatalf("demo: starting run: %v", err)
	}
	runStatus := session.RunStatusCompleted
	defer func() {
		if err := rt.EndRun(ctx, runID, runStatus); err != nil {
			log.Printf("demo: ending run: %v", err)
		}
	}()

	loop := agentloop.New(agentID, agentloop.Config{
		Client:            client,
		Provider:          gw,
		Notifications:     notifications,
		Persister:         rt,
		ParallelToolCalls: cfg.ParallelToolCalls > 1,
		MaxParallelCalls:  cfg.ParallelToolCalls,
		Model:             cfg.ModelName,
		ApprovalTimeout:   cfg.ApprovalTimeout,
	}, agentloop.ToolPolicy{}, []event.Item{
		event.SystemText{Text: "You are a helpful assistant with access to an echo tool."},
		event.UserText{Text: `Call the echo tool with {"hello":"world"}, then tell me what it returned.`},
	})

	result, err := loop.Run(ctx)
	if err != nil {
		runStatus = session.RunStatusFailed
		log.Fatalf("demo: run failed: %v", err)
	}
	if result.Aborted {
		runStatus = session.RunStatusCanceled
		fmt.Println("run aborted")
		return
	}
	fmt.Println("assistant:", result.Text)
}

func newModelClient(cfg config.Config) (model.Client, error) {
	switch cfg.ModelProvider {
	case config.ModelProviderAnthropic:
		return anthropic.NewFromAPIKey(os.Getenv("ANTHROPIC_API_KEY"), cfg.ModelName)
	case config.ModelProviderOpenAI:
		return openai.NewFromAPIKey(os.Getenv("OPENAI_API_KEY"), cfg.ModelName)
	case config.ModelProviderBedrock:
		return nil, fmt.Errorf("demo: bedrock requires a configured %T constructed from an AWS session; wire one explicitly for your environment", bedrock.Options{})
	default:
		return nil, fmt.Errorf("demo: unknown model provider %q", cfg.ModelProvider)
	}
}

func newStore(ctx context.Context, cfg config.Config) (persistence.Store, error) {
	switch cfg.PersistenceBackend {
	case config.PersistenceBackendInMemory:
		return inmem.New(), nil
	case config.PersistenceBackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		return redislog.New(redislog.Options{Client: rdb})
	case config.PersistenceBackendMongo:
		mc, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("demo: connecting to mongo: %w", err)
		}
		return mongolog.New(ctx, mongolog.Options{
			Client:     mc,
			Database:   cfg.MongoDatabase,
			Collection: cfg.MongoCollection,
		})
	default:
		return nil, fmt.Errorf("demo: unknown persistence backend %q", cfg.PersistenceBackend)
	}
}
