// Command relay runs a bank of simulated oracles against the gateway. It
// registers the oracles over HTTP, listens for oracle.request events on the
// websocket stream or the Kafka bus, and answers every request whose index
// one of its oracles holds.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"surety/pkg/httpx"
	"surety/pkg/oracles"
	"surety/pkg/statebus"
	"surety/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// statusCodes a randomized relay draws from. LATE_AIRLINE is deliberately
// over-weighted so payout paths get exercised.
var statusCodes = []int{0, 10, 20, 20, 30, 40, 50}

type Oracle struct {
	ID      string
	Indexes [oracles.IndexCount]uint8
}

type Relay struct {
	Client     *http.Client
	GatewayURL string
	AuthToken  string
	IDPrefix   string
	Status     int
	Randomize  bool
	Retries    int
	RetryDelay time.Duration
	Oracles    []Oracle
	Logf       func(format string, args ...any)

	rng *rand.Rand
}

func (r *Relay) logf(format string, args ...any) {
	if r.Logf != nil {
		r.Logf(format, args...)
	}
}

func (r *Relay) headers() map[string]string {
	if r.AuthToken == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + r.AuthToken}
}

// RegisterOracles provisions count oracles with the gateway. With a stable
// id prefix an oracle that survived a relay restart is recognized and its
// existing index assignment is fetched instead of paying the fee again.
func (r *Relay) RegisterOracles(ctx context.Context, count int) error {
	prefix := r.IDPrefix
	if prefix == "" {
		prefix = "oracle-" + uuid.NewString()[:8]
	}
	for i := 1; i <= count; i++ {
		id := fmt.Sprintf("%s-%d", prefix, i)
		registered, err := r.isOracleRegistered(ctx, id)
		if err != nil {
			return err
		}
		var indexes [oracles.IndexCount]uint8
		if registered {
			indexes, err = r.oracleIndexes(ctx, id)
			if err != nil {
				return err
			}
			r.logf("reusing %s with indexes %v", id, indexes)
		} else {
			body, _ := json.Marshal(map[string]any{"oracle": id, "fee": oracles.RegistrationFee})
			status, resp, err := httpx.RequestJSON(ctx, r.Client, http.MethodPost,
				r.GatewayURL+"/v1/oracles/register", body, r.headers(), r.Retries, r.RetryDelay)
			if err != nil {
				return fmt.Errorf("register oracle: %w", err)
			}
			if status != http.StatusOK {
				return fmt.Errorf("register oracle: gateway returned %d: %s", status, resp)
			}
			var out struct {
				Indexes [oracles.IndexCount]uint8 `json:"indexes"`
			}
			if err := json.Unmarshal(resp, &out); err != nil {
				return fmt.Errorf("register oracle: decode response: %w", err)
			}
			indexes = out.Indexes
			r.logf("registered %s with indexes %v", id, indexes)
		}
		r.Oracles = append(r.Oracles, Oracle{ID: id, Indexes: indexes})
	}
	return nil
}

func (r *Relay) isOracleRegistered(ctx context.Context, id string) (bool, error) {
	status, resp, err := httpx.RequestJSON(ctx, r.Client, http.MethodGet,
		r.GatewayURL+"/v1/oracles/"+id, nil, r.headers(), r.Retries, r.RetryDelay)
	if err != nil {
		return false, fmt.Errorf("oracle lookup: %w", err)
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("oracle lookup: gateway returned %d: %s", status, resp)
	}
	var out struct {
		Registered bool `json:"registered"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return false, fmt.Errorf("oracle lookup: decode response: %w", err)
	}
	return out.Registered, nil
}

func (r *Relay) oracleIndexes(ctx context.Context, id string) ([oracles.IndexCount]uint8, error) {
	var indexes [oracles.IndexCount]uint8
	status, resp, err := httpx.RequestJSON(ctx, r.Client, http.MethodGet,
		r.GatewayURL+"/v1/oracles/"+id+"/indexes", nil, r.headers(), r.Retries, r.RetryDelay)
	if err != nil {
		return indexes, fmt.Errorf("oracle indexes: %w", err)
	}
	if status != http.StatusOK {
		return indexes, fmt.Errorf("oracle indexes: gateway returned %d: %s", status, resp)
	}
	var out struct {
		Indexes [oracles.IndexCount]uint8 `json:"indexes"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return indexes, fmt.Errorf("oracle indexes: decode response: %w", err)
	}
	return out.Indexes, nil
}

func (r *Relay) nextStatus() int {
	if !r.Randomize {
		return r.Status
	}
	if r.rng == nil {
		r.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return statusCodes[r.rng.Intn(len(statusCodes))]
}

// HandleEvent answers an oracle.request with every held oracle. Other event
// types pass through untouched. Returns how many responses were submitted.
func (r *Relay) HandleEvent(ctx context.Context, evt stream.Event) int {
	if evt.Type != stream.TypeOracleRequest {
		return 0
	}
	var req stream.OracleRequest
	if err := json.Unmarshal(evt.Data, &req); err != nil {
		r.logf("bad oracle.request payload: %v", err)
		return 0
	}
	status := r.nextStatus()
	submitted := 0
	for _, o := range r.Oracles {
		if !holdsIndex(o, req.Index) {
			continue
		}
		body, _ := json.Marshal(map[string]any{
			"index":     req.Index,
			"flight":    req.Flight,
			"timestamp": req.Timestamp,
			"status":    status,
			"oracle":    o.ID,
		})
		code, resp, err := httpx.RequestJSON(ctx, r.Client, http.MethodPost,
			r.GatewayURL+"/v1/oracles/response", body, r.headers(), r.Retries, r.RetryDelay)
		if err != nil {
			r.logf("submit response for %s: %v", o.ID, err)
			continue
		}
		if code != http.StatusOK {
			r.logf("submit response for %s: gateway returned %d", o.ID, code)
			continue
		}
		submitted++
		var out struct {
			Accepted  bool `json:"accepted"`
			Finalized bool `json:"finalized"`
		}
		if err := json.Unmarshal(resp, &out); err == nil && out.Finalized {
			r.logf("flight %s finalized with status %d", req.Flight, status)
		}
	}
	return submitted
}

func holdsIndex(o Oracle, index uint8) bool {
	for _, i := range o.Indexes {
		if i == index {
			return true
		}
	}
	return false
}

// ConsumeWebsocket reads gateway stream events until the connection drops or
// ctx is cancelled.
func (r *Relay) ConsumeWebsocket(ctx context.Context) error {
	wsURL := strings.Replace(r.GatewayURL, "http", "ws", 1) + "/v1/stream"
	opts := &websocket.DialOptions{}
	if r.AuthToken != "" {
		h := http.Header{}
		h.Set("Authorization", "Bearer "+r.AuthToken)
		opts.HTTPHeader = h
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	for {
		var evt stream.Event
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			return err
		}
		r.HandleEvent(ctx, evt)
	}
}

// ConsumeBus reads oracle requests off the Kafka topic until ctx is
// cancelled or the consumer fails.
func (r *Relay) ConsumeBus(ctx context.Context, consumer statebus.Consumer) error {
	for {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			return err
		}
		evt, err := statebus.DecodeEvent(msg)
		if err != nil {
			r.logf("bad bus message: %v", err)
			continue
		}
		r.HandleEvent(ctx, evt)
	}
}

// Testable variables for main()
var (
	logFatalf     = log.Fatalf
	newConsumerFn = func(cfg statebus.KafkaConfig) (statebus.Consumer, error) {
		return statebus.NewKafkaConsumer(cfg)
	}
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		logFatalf("relay: %v", err)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	gateway := fs.String("gateway", env("GATEWAY_URL", "http://localhost:8080"), "gateway base URL")
	count := fs.Int("oracles", envInt("RELAY_ORACLES", 20), "number of oracles to register")
	statusFlag := fs.String("status", env("RELAY_STATUS", "20"), "status code to report, or 'random'")
	source := fs.String("source", env("RELAY_SOURCE", "ws"), "event source: ws or kafka")
	idPrefix := fs.String("id-prefix", env("RELAY_ID_PREFIX", ""), "stable oracle id prefix, reused across restarts")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *count <= 0 {
		return errors.New("oracle count must be positive")
	}

	r := &Relay{
		Client:     &http.Client{Timeout: 10 * time.Second},
		GatewayURL: strings.TrimRight(*gateway, "/"),
		AuthToken:  env("AUTH_TOKEN", ""),
		IDPrefix:   *idPrefix,
		Retries:    envInt("RELAY_RETRIES", 2),
		RetryDelay: time.Millisecond * time.Duration(envInt("RELAY_RETRY_DELAY_MS", 200)),
		Logf:       log.Printf,
	}
	if *statusFlag == "random" {
		r.Randomize = true
	} else {
		code, err := strconv.Atoi(*statusFlag)
		if err != nil {
			return fmt.Errorf("invalid status %q", *statusFlag)
		}
		r.Status = code
	}

	if err := r.RegisterOracles(ctx, *count); err != nil {
		return err
	}
	log.Printf("relay ready: %d oracles, source=%s", len(r.Oracles), *source)

	switch *source {
	case "kafka":
		consumer, err := newConsumerFn(statebus.KafkaConfig{
			Brokers: strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ","),
			Topic:   env("KAFKA_TOPIC", "surety.events"),
			GroupID: env("KAFKA_GROUP_ID", "surety-relay"),
		})
		if err != nil {
			return err
		}
		defer consumer.Close()
		return r.ConsumeBus(ctx, consumer)
	case "ws":
		// Reconnect with backoff; the gateway may restart under the relay.
		for {
			err := r.ConsumeWebsocket(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("stream disconnected, retrying: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
	default:
		return fmt.Errorf("unknown source %q", *source)
	}
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
