package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/homechat/server/internal/assistant"
	"github.com/homechat/server/internal/bot"
	"github.com/homechat/server/internal/events"
	"github.com/homechat/server/internal/hub"
	"github.com/homechat/server/internal/preview"
	"github.com/homechat/server/internal/protocol"
	"github.com/homechat/server/internal/ratelimit"
	"github.com/homechat/server/internal/room"
	"github.com/homechat/server/internal/store"
	"github.com/homechat/server/internal/upload"
	"github.com/homechat/server/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	dataDir := "data"
	if v := os.Getenv("DATA_DIR"); v != "" {
		dataDir = v
	}
	publicDir := "public"
	if v := os.Getenv("PUBLIC_DIR"); v != "" {
		publicDir = v
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}

	// --- Persistent state ---
	messageStore, err := store.Open(filepath.Join(dataDir, "messages.ndjson"))
	if err != nil {
		log.Fatalf("failed to open message store: %v", err)
	}

	directory, err := room.Open(filepath.Join(dataDir, "rooms.json"), room.DefaultRooms)
	if err != nil {
		log.Fatalf("failed to open room directory: %v", err)
	}

	// --- NATS ---
	busConfig := events.DefaultConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		busConfig.URL = natsURL
	}
	bus, err := events.Connect(busConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			cancel()
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		cancel()
	}
	limiter := ratelimit.NewLimiter(redisClient)

	// --- Core ---
	h := hub.New(directory, messageStore, bus, bot.Name, assistant.Name)

	// --- Collaborators ---
	homeBot := bot.New(h, dataDir)
	if err := bus.SubscribeRoomMessages("homebot", homeBot.HandleRoomMessage); err != nil {
		log.Fatalf("failed to subscribe bot: %v", err)
	}

	claudeClient := assistant.NewClient(assistant.ClientConfig{
		APIKey: os.Getenv("CLAUDE_API_KEY"),
		Model:  os.Getenv("CLAUDE_MODEL"),
	})
	if claudeClient != nil {
		log.Printf("Claude API: ready")
	} else {
		log.Printf("Claude API: disabled (set CLAUDE_API_KEY to enable)")
	}
	claude := assistant.New(h, claudeClient)
	if err := bus.SubscribeRoomMessages("claude", claude.HandleRoomMessage); err != nil {
		log.Fatalf("failed to subscribe assistant: %v", err)
	}

	log.Printf("HomeChat server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  data_dir:        %s", dataDir)
	log.Printf("  nats_url:        %s", busConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)

	// allowByMessage gates chat messages per identity, failing open on
	// Redis trouble.
	allowMessage := func(conn *ws.Connection) bool {
		name, ok := h.IdentityOf(conn)
		if !ok {
			return true // the hub drops un-joined senders anyway
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		allowed, _ := limiter.Allow(ctx, name, ratelimit.RuleMessage)
		return allowed
	}

	dispatcher := ws.NewMessageDispatcher()

	dispatcher.Register(protocol.TypeJoin, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.JoinMsg)
		if !ok {
			return
		}
		h.Join(conn, m.Name)
	})

	dispatcher.Register(protocol.TypeHistory, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.HistoryRequestMsg)
		if !ok {
			return
		}
		h.History(conn, m)
	})

	dispatcher.Register(protocol.TypeRoomMsg, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.RoomMessageMsg)
		if !ok || !allowMessage(conn) {
			return
		}
		h.PostRoomMessage(conn, m)
	})

	dispatcher.Register(protocol.TypeDM, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.DirectMessageMsg)
		if !ok || !allowMessage(conn) {
			return
		}
		h.PostDM(conn, m)
	})

	dispatcher.Register(protocol.TypeCreateRoom, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.CreateRoomMsg)
		if !ok {
			return
		}
		h.CreateRoom(conn, m)
	})

	dispatcher.Register(protocol.TypeDeleteRoom, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.DeleteRoomMsg)
		if !ok {
			return
		}
		h.DeleteRoom(conn, m)
	})

	dispatcher.Register(protocol.TypeReorderRooms, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.ReorderRoomsMsg)
		if !ok {
			return
		}
		h.ReorderRooms(conn, m)
	})

	dispatcher.Register(protocol.TypeDeleteMsg, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.DeleteMessageMsg)
		if !ok {
			return
		}
		h.DeleteMessage(conn, m)
	})

	server := ws.NewServer(config, dispatcher.Dispatch)

	server.SetOnDisconnect(func(conn *ws.Connection) {
		h.Leave(conn)
	})

	// --- HTTP surface: uploads, link previews, static assets ---
	uploadHandler, err := upload.NewHandler(filepath.Join(publicDir, "uploads"),
		func(ctx context.Context, remoteAddr string) bool {
			allowed, _ := limiter.Allow(ctx, remoteAddr, ratelimit.RuleUpload)
			return allowed
		})
	if err != nil {
		log.Fatalf("failed to init upload handler: %v", err)
	}
	server.Handle("/upload", uploadHandler)

	previews := preview.NewService(redisClient)
	server.Handle("/preview", previews.Handler(
		func(ctx context.Context, remoteAddr string) bool {
			allowed, _ := limiter.Allow(ctx, remoteAddr, ratelimit.RulePreview)
			return allowed
		}))

	server.Handle("/", http.FileServer(http.Dir(publicDir)))

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		bus.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := messageStore.Close(); err != nil {
			log.Printf("message store close error: %v", err)
		}
		if err := redisClient.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
