// Command gobi runs the Gobi companion as a terminal chat session backed by
// the long-term memory subsystem. It owns the lifecycle of every service
// client and injects them into the session engine and the consolidation
// pipeline.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/joho/godotenv"
	openaiapi "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"

	"github.com/jjinchin/gobi/chat"
	"github.com/jjinchin/gobi/llm"
	"github.com/jjinchin/gobi/memory"
	openaiembed "github.com/jjinchin/gobi/memory/embedder/openai"
	chromemstore "github.com/jjinchin/gobi/memory/store/chromem"
	sqlitestore "github.com/jjinchin/gobi/memory/store/sqlite"
	"github.com/jjinchin/gobi/metrics"
)

const systemRole = `You are Gobi, a warm and practical personal-finance companion.
You talk with one user over many days and remember what matters to them.`

const instruction = `Answer in the user's language, concretely and without filler.
When a question touches budgeting, saving, or investing, prefer specific,
actionable steps over generic advice. Never invent past conversations.`

func main() {
	_ = godotenv.Load()

	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	if anthropicKey == "" {
		log.Fatal("ANTHROPIC_API_KEY environment variable is required")
	}
	openaiKey := os.Getenv("OPENAI_API_KEY")
	if openaiKey == "" {
		log.Fatal("OPENAI_API_KEY environment variable is required (embeddings)")
	}

	dbPath := envOrDefault("GOBI_DB_PATH", "gobi.db")
	indexPath := envOrDefault("GOBI_INDEX_PATH", dbPath+".vectors")
	userName := envOrDefault("GOBI_USER_NAME", "User")
	assistantName := envOrDefault("GOBI_ASSISTANT_NAME", "Gobi")
	interval := durationOrDefault("GOBI_FLUSH_INTERVAL", time.Hour)

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	// The index must survive restarts together with the records: a durable
	// completion marker over a volatile index would leave past dates
	// unreachable forever.
	index, err := chromemstore.Open(indexPath)
	if err != nil {
		log.Fatalf("open vector index: %v", err)
	}

	anthropicClient := anthropic.NewClient(anthropicopt.WithAPIKey(anthropicKey))
	completer := llm.NewAnthropic(&anthropicClient)

	openaiClient := openaiapi.NewClient(openaiopt.WithAPIKey(openaiKey))
	embedder := openaiembed.New(openaiClient)

	var instruments *metrics.Metrics
	if addr := os.Getenv("GOBI_METRICS_ADDR"); addr != "" {
		instruments = metrics.New("gobi")
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("metrics listener: %v", err)
			}
		}()
	}

	manager := memory.NewManager(completer, embedder, index, store, nil,
		memory.WithManagerMetrics(instruments))
	consolidator := memory.NewConsolidator(completer, embedder, index, store, store,
		memory.WithParticipants(userName, assistantName),
		memory.WithConsolidatorMetrics(instruments))

	engine := chat.NewEngine(completer, systemRole, instruction,
		chat.WithMemory(manager),
		chat.WithConversationStore(store),
		chat.WithConsolidator(consolidator),
		chat.WithMetrics(instruments),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.RestoreToday(ctx); err != nil {
		log.Printf("restore today's conversation: %v", err)
	}

	go engine.RunBackground(ctx, interval)

	log.Printf("session %s ready (db=%s, flush every %s)", engine.ID(), dbPath, interval)
	fmt.Printf("%s is listening. Ctrl-D to quit.\n", assistantName)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Printf("%s> ", userName)
		if !scanner.Scan() {
			break
		}
		text := scanner.Text()
		if text == "" {
			continue
		}
		engine.AddUserMessage(text)
		reply, err := engine.Send(ctx)
		if err != nil {
			log.Printf("send: %v", err)
			continue
		}
		fmt.Printf("%s> %s\n", assistantName, reply)
		if ctx.Err() != nil {
			break
		}
	}

	// The background ticker is stopped by ctx; give the final flush its own
	// deadline so shutdown cannot hang on a slow write.
	stop()
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := engine.PersistUnsaved(flushCtx); err != nil {
		log.Printf("final flush: %v", err)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOrDefault(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
