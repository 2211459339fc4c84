package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"surety/pkg/accessreg"
	"surety/pkg/airlines"
	"surety/pkg/flights"
	"surety/pkg/hardening"
	"surety/pkg/httpx"
	"surety/pkg/insurance"
	"surety/pkg/journal"
	"surety/pkg/metrics"
	"surety/pkg/opgate"
	"surety/pkg/oracles"
	"surety/pkg/ratelimit"
	"surety/pkg/statebus"
	"surety/pkg/store"
	"surety/pkg/stream"
	"surety/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	Gate      *opgate.Gate
	Access    *accessreg.Registry
	Airlines  *airlines.Registry
	Flights   *flights.Registry
	Insurance *insurance.Ledger
	Oracles   *oracles.Engine
	Journal   *journal.Writer

	DB      gatewayDB
	Cache   store.Cache
	Redis   *redis.Client
	Metrics *metrics.Registry
	Events  *stream.Hub
	Bus     statebus.EventPublisher

	RateLimiter        ratelimit.Limiter
	RateLimitEnabled   bool
	RateLimitPerMinute int
	RateLimitWindow    time.Duration

	Owner               string
	AuthToken           string
	TrustedProxyCIDRs   []*net.IPNet
	MaxRequestBodyBytes int64
	IdempotencyTTL      time.Duration

	// roundStarted remembers when a status request went out so the
	// finalizing response can report consensus latency.
	roundMu      sync.Mutex
	roundStarted map[string]time.Time
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.metricsLoop(context.Background())
		go s.eventMetricsLoop(context.Background())
		if s.Bus != nil {
			go statebus.Bridge(context.Background(), s.Events, s.Bus, log.Printf)
		}
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	rateLimitEnabled := env("RATE_LIMIT_ENABLED", "true") == "true"
	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)
	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}
	idempotencyTTL := time.Second * time.Duration(envInt("IDEMPOTENCY_TTL_SEC", 600))

	owner := env("OWNER_ID", "owner")
	genesisID := env("GENESIS_AIRLINE_ID", "genesis")
	genesisName := env("GENESIS_AIRLINE_NAME", "Genesis Air")

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if err := hardening.Check(hardening.Config{
		Environment:        runtimeEnv,
		Strict:             env("SURETY_STRICT", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		AuthToken:          env("AUTH_TOKEN", ""),
		Owner:              owner,
	}); err != nil {
		return err
	}

	hub := stream.NewHub()
	airlineReg := airlines.New(genesisID, genesisName)
	flightReg := flights.New(airlineReg)
	ledger := insurance.New(flightReg, nil, insurance.Config{
		RefundOnNoFault: env("REFUND_ON_NO_FAULT", "false") == "true",
	})
	engine := oracles.New(flightReg, ledger, hub, nil)

	s := &Server{
		Gate:                opgate.New(owner),
		Access:              accessreg.New(owner),
		Airlines:            airlineReg,
		Flights:             flightReg,
		Insurance:           ledger,
		Oracles:             engine,
		Journal:             journal.New(pool),
		DB:                  pool,
		Cache:               cache,
		Redis:               redisClient,
		Metrics:             metrics.NewRegistry(),
		Events:              hub,
		RateLimitEnabled:    rateLimitEnabled,
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		RateLimitWindow:     rateLimitWindow,
		Owner:               owner,
		AuthToken:           env("AUTH_TOKEN", ""),
		TrustedProxyCIDRs:   parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		MaxRequestBodyBytes: maxRequestBodyBytes,
		IdempotencyTTL:      idempotencyTTL,
		roundStarted:        map[string]time.Time{},
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		pub, err := statebus.NewKafkaPublisher(statebus.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_TOPIC", "surety.events"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer pub.Close()
		s.Bus = pub
	}

	if err := s.replayJournal(ctx); err != nil {
		return fmt.Errorf("journal: %w", err)
	}

	r := s.router()

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) router() chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})

	authRouter := chi.NewRouter()
	authRouter.Use(s.authTokenMiddleware)
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	authRouter.Get("/v1/operational", s.getOperational)
	authRouter.Post("/v1/operational", s.limited(s.setOperational))
	authRouter.Post("/v1/callers/authorize", s.limited(s.authorizeCaller))
	authRouter.Post("/v1/callers/deauthorize", s.limited(s.deauthorizeCaller))
	authRouter.Post("/v1/airlines", s.limited(s.registerAirline))
	authRouter.Post("/v1/airlines/fund", s.limited(s.fundAirline))
	authRouter.Get("/v1/airlines/{airline_id}", s.getAirline)
	authRouter.Post("/v1/flights", s.limited(s.registerFlight))
	authRouter.Get("/v1/flights/{flight_id}", s.getFlight)
	authRouter.Post("/v1/flights/status/request", s.limited(s.requestFlightStatus))
	authRouter.Post("/v1/insurance/buy", s.limited(s.buyInsurance))
	authRouter.Post("/v1/insurance/withdraw", s.limited(s.withdrawPayout))
	authRouter.Get("/v1/insurance/balance/{buyer_id}", s.getBalance)
	authRouter.Post("/v1/oracles/register", s.limited(s.registerOracle))
	authRouter.Get("/v1/oracles/{oracle_id}", s.getOracle)
	authRouter.Get("/v1/oracles/{oracle_id}/indexes", s.getOracleIndexes)
	authRouter.Post("/v1/oracles/response", s.limited(s.submitOracleResponse))
	authRouter.Get("/v1/rounds", s.getRounds)
	authRouter.Get("/v1/stream", s.streamEvents)
	r.Mount("/", authRouter)
	return r
}

// authTokenMiddleware enforces the shared bearer token when one is
// configured. Ledger-level authorization stays in the domain guards; this is
// only the transport fence.
func (s *Server) authTokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header != "Bearer "+s.AuthToken {
			httpx.Error(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limited(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if blocked, retryAfter := s.checkRateLimit(r); blocked {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		h(w, r)
	}
}

func (s *Server) checkRateLimit(r *http.Request) (bool, int) {
	if !s.RateLimitEnabled || s.RateLimiter == nil {
		return false, 0
	}
	limit := s.RateLimitPerMinute
	if limit <= 0 {
		return false, 0
	}
	decision := s.RateLimiter.Allow("write:"+s.clientIP(r), limit)
	if decision.Allowed {
		return false, 0
	}
	retryAfter := int(time.Until(decision.ResetAt).Seconds())
	if retryAfter < 0 {
		retryAfter = int(s.RateLimitWindow.Seconds())
	}
	return true, retryAfter
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent(stream.TypeReady, nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	s.updateOperationalMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics(ctx)
		}
	}
}

func (s *Server) updateOperationalMetrics(ctx context.Context) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.SetGauge("registered_airlines", float64(s.Airlines.RegisteredCount()))
	s.Metrics.SetGauge("funded_airlines", float64(s.Airlines.FundedCount()))
	s.Metrics.SetGauge("oracle_pool_size", float64(s.Oracles.OracleCount()))
	operational := 0.0
	if s.Gate.IsOperational() {
		operational = 1.0
	}
	s.Metrics.SetGauge("operational", operational)
	if s.DB == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var journalEntries int64
	_ = s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_journal`).Scan(&journalEntries)
	s.Metrics.SetGauge("journal_entries", float64(journalEntries))
}

// eventMetricsLoop counts hub traffic and turns finalization events into the
// consensus metrics without coupling the engine to the metrics registry.
func (s *Server) eventMetricsLoop(ctx context.Context) {
	sub := s.Events.Subscribe(256)
	defer s.Events.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			s.Metrics.IncEvent(evt.Type)
			switch evt.Type {
			case stream.TypeFlightStatus:
				var p stream.FlightStatus
				if err := decodeEventData(evt, &p); err != nil {
					continue
				}
				s.Metrics.IncFinalStatus(flights.Status(p.Status).String())
				if started, ok := s.takeRoundStart(p.Flight, p.Timestamp); ok {
					s.Metrics.ObserveRoundLatency(time.Since(started))
				}
			case stream.TypePayoutCredited:
				var p stream.PayoutCredited
				if err := decodeEventData(evt, &p); err != nil {
					continue
				}
				s.Metrics.AddPayoutCredited(p.Amount)
			}
		}
	}
}

func (s *Server) markRoundStart(flightID string, timestamp int64) {
	s.roundMu.Lock()
	defer s.roundMu.Unlock()
	key := fmt.Sprintf("%s@%d", flightID, timestamp)
	if _, ok := s.roundStarted[key]; !ok {
		s.roundStarted[key] = time.Now()
	}
}

func (s *Server) takeRoundStart(flightID string, timestamp int64) (time.Time, bool) {
	s.roundMu.Lock()
	defer s.roundMu.Unlock()
	key := fmt.Sprintf("%s@%d", flightID, timestamp)
	started, ok := s.roundStarted[key]
	if ok {
		delete(s.roundStarted, key)
	}
	return started, ok
}

func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				candidate := parseIP(strings.TrimSpace(parts[0]))
				if candidate != "" {
					return candidate
				}
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (s *Server) isTrustedProxy(ipStr string) bool {
	if len(s.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

func parseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
