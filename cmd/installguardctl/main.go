package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/SoftCheck-app/agents/pkg/eventbus"
	"github.com/SoftCheck-app/agents/pkg/httpx"
	"github.com/SoftCheck-app/agents/pkg/stream"
	"github.com/SoftCheck-app/agents/pkg/telemetry"
)

var (
	signalContext = func() (context.Context, context.CancelFunc) {
		return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	}
	newConsumer = func(cfg eventbus.KafkaConfig) (eventbus.Consumer, error) {
		c, err := eventbus.NewKafkaConsumer(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "pending":
		return runPending(args[1:], out)
	case "state":
		return runState(args[1:], out)
	case "authority":
		return runAuthority(args[1:], out)
	case "watch":
		return runWatch(args[1:], out)
	case "events":
		return runEvents(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "installguardctl commands:")
	fmt.Fprintln(out, "  installguardctl pending [--base http://127.0.0.1:8470]")
	fmt.Fprintln(out, "  installguardctl state <request-id> [--base http://127.0.0.1:8470]")
	fmt.Fprintln(out, "  installguardctl authority [--url ws://127.0.0.1:8470/v1/channel] [--default allow|deny] [--allow-process glob] [--deny-path glob] [--cleanup-delay 5m]")
	fmt.Fprintln(out, "  installguardctl watch [--base http://127.0.0.1:8470] [--max 0]")
	fmt.Fprintln(out, "  installguardctl events tail [--brokers localhost:9092] [--topic installguard.resolutions] [--group installguardctl] [--max 0]")
}

func apiFlags(fs *flag.FlagSet) (*string, *string) {
	base := fs.String("base", env("INSTALLGUARD_BASE_URL", "http://127.0.0.1:8470"), "installguard base url")
	token := fs.String("token", env("INSTALLGUARD_ADMIN_TOKEN", ""), "admin bearer token")
	return base, token
}

func apiClient(base, token string) *httpx.APIClient {
	return &httpx.APIClient{
		BaseURL:    base,
		Token:      strings.TrimSpace(token),
		HTTP:       telemetry.InstrumentClient(&http.Client{Timeout: 10 * time.Second}),
		Retries:    2,
		RetryDelay: 200 * time.Millisecond,
	}
}

func runPending(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("pending", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	base, token := apiFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return getAndPrint(apiClient(*base, *token), "/v1/pending", out)
}

func runState(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: installguardctl state <request-id> [--base url]")
	}
	id, err := strconv.ParseInt(strings.TrimSpace(args[0]), 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid request id: %s", args[0])
	}
	fs := flag.NewFlagSet("state", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	base, token := apiFlags(fs)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	return getAndPrint(apiClient(*base, *token), fmt.Sprintf("/v1/pending/%d", id), out)
}

func getAndPrint(c *httpx.APIClient, path string, out io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	var raw json.RawMessage
	if err := c.GetJSON(ctx, path, &raw); err != nil {
		return err
	}
	pretty, _ := prettyJSON(raw)
	_, _ = out.Write(pretty)
	_, _ = out.Write([]byte("\n"))
	return nil
}

// runWatch follows live resolution events from /v1/stream.
func runWatch(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	base, token := apiFlags(fs)
	limit := fs.Int("max", 0, "stop after this many resolutions (0 = unbounded)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if t := strings.TrimSpace(*token); t != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+t)
	}
	conn, _, err := websocket.Dial(ctx, wsURL(*base)+"/v1/stream", opts)
	if err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	seen := 0
	for {
		var evt stream.Event
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		line, _ := json.Marshal(evt)
		fmt.Fprintln(out, string(line))
		if evt.Type == stream.EventResolution {
			seen++
			if *limit > 0 && seen >= *limit {
				return nil
			}
		}
	}
}

func runEvents(args []string, out io.Writer) error {
	if len(args) == 0 || args[0] != "tail" {
		return errors.New("usage: installguardctl events tail [--brokers x] [--topic y] [--group z]")
	}
	fs := flag.NewFlagSet("events tail", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	brokers := fs.String("brokers", env("KAFKA_BROKERS", "localhost:9092"), "comma separated kafka brokers")
	topic := fs.String("topic", env("KAFKA_TOPIC", "installguard.resolutions"), "resolution topic")
	group := fs.String("group", env("KAFKA_GROUP_ID", "installguardctl"), "consumer group")
	limit := fs.Int("max", 0, "stop after this many messages (0 = unbounded)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	consumer, err := newConsumer(eventbus.KafkaConfig{
		Brokers: eventbus.SplitBrokers(*brokers),
		Topic:   *topic,
		GroupID: *group,
	})
	if err != nil {
		return err
	}
	defer consumer.Close()

	ctx, cancel := signalContext()
	defer cancel()
	for n := 0; *limit == 0 || n < *limit; n++ {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		pretty, _ := prettyJSON(msg.Value)
		fmt.Fprintf(out, "%s %s\n", msg.Key, pretty)
	}
	return nil
}

// wsURL maps an http(s) base url onto its websocket scheme.
func wsURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

func prettyJSON(raw []byte) ([]byte, error) {
	var obj interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw, nil
	}
	return json.MarshalIndent(obj, "", "  ")
}

func env(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}
