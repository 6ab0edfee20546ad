// The socket gateway is a standalone fan-out process for browser
// dashboards: it subscribes to the engine's Redis push channel and
// re-broadcasts monitor events over socket.io rooms keyed by topic.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	socketio "github.com/googollee/go-socket.io"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

const pushChannel = "watchmesh:push"

// envelope mirrors the wire format the engine publishes on Redis.
type envelope struct {
	Topic  string          `json:"topic"`
	Update json.RawMessage `json:"update"`
}

func main() {
	godotenv.Load()

	redisAddr := os.Getenv("WATCHMESH_REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: os.Getenv("WATCHMESH_REDIS_PASSWORD"),
	})

	server := socketio.NewServer(nil)

	server.OnConnect("/", func(s socketio.Conn) error {
		s.SetContext("")
		log.Printf("🔌 Dashboard connected: %s", s.ID())
		return nil
	})

	// Clients join one room per topic, e.g. "monitor:update/tgt-abc".
	server.OnEvent("/", "subscribe", func(s socketio.Conn, topic string) {
		s.Join(topic)
		s.Emit("subscribed", topic)
	})

	server.OnEvent("/", "unsubscribe", func(s socketio.Conn, topic string) {
		s.Leave(topic)
	})

	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		log.Printf("🔌 Dashboard disconnected: %s (%s)", s.ID(), reason)
	})

	go server.Serve()
	defer server.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis -> socket.io pump.
	go func() {
		sub := rdb.Subscribe(ctx, pushChannel)
		defer sub.Close()
		log.Printf("✅ Subscribed to %s on %s", pushChannel, redisAddr)

		for msg := range sub.Channel() {
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("⚠️ Bad envelope on %s: %v", pushChannel, err)
				continue
			}
			server.BroadcastToRoom("/", env.Topic, "monitor_event", string(env.Update))
		}
	}()

	http.Handle("/socket.io/", server)
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unreachable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})

	httpSrv := &http.Server{Addr: ":" + port}
	go func() {
		log.Printf("🚀 Socket gateway listening on :%s", port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Socket gateway failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("⚠️ Shutting down socket gateway...")
	httpSrv.Shutdown(context.Background())
}
