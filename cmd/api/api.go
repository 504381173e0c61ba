package api

import (
	"log"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/drift-social/Drift-server/config"
	"github.com/drift-social/Drift-server/service/feed"
	"github.com/drift-social/Drift-server/service/notification"
	"github.com/drift-social/Drift-server/service/pagination"
	"github.com/drift-social/Drift-server/service/post"
	"github.com/drift-social/Drift-server/service/stack"
	"github.com/drift-social/Drift-server/service/user"
)

type APIServer struct {
	address string
	db      *gorm.DB
	cfg     *config.Config
	engine  *stack.Engine
	agg     *notification.Aggregator
}

func NewApiServer(address string, db *gorm.DB, cfg *config.Config, engine *stack.Engine, agg *notification.Aggregator) *APIServer {
	return &APIServer{
		address: address,
		db:      db,
		cfg:     cfg,
		engine:  engine,
		agg:     agg,
	}
}

// ipLimiter hands out one token bucket per client IP.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newIPLimiter() *ipLimiter {
	return &ipLimiter{limiters: make(map[string]*rate.Limiter)}
}

func (l *ipLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(20), 40)
		l.limiters[ip] = lim
	}
	return lim
}

func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !l.get(ip).Allow() {
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *APIServer) Run() error {
	router := mux.NewRouter()
	subrouter := router.PathPrefix("/api/v1").Subrouter()

	slots := pagination.NewSlots(s.cfg.StreamWorkers)

	userHandler := user.NewHandler(s.db, s.cfg, s.engine, s.agg, slots)
	userHandler.RegisterRoutes(subrouter)

	postHandler := post.NewHandler(s.db, s.cfg, s.agg, slots)
	postHandler.RegisterRoutes(subrouter)

	stackHandler := stack.NewHandler(s.db, s.engine)
	stackHandler.RegisterRoutes(subrouter)

	feedHandler := feed.NewHandler(s.db, s.cfg, s.engine, slots)
	feedHandler.RegisterRoutes(subrouter)

	notificationHandler := notification.NewHandler(s.db, s.agg, slots)
	notificationHandler.RegisterRoutes(subrouter)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)
	limiter := newIPLimiter()

	handler := handlers.LoggingHandler(os.Stdout, cors(limiter.middleware(router)))

	log.Println("Server running at", s.address)
	return http.ListenAndServe(s.address, handler)
}
