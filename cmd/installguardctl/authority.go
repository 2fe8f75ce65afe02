package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/SoftCheck-app/agents/pkg/wire"
)

// listFlag collects a repeatable, comma separated flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			*l = append(*l, item)
		}
	}
	return nil
}

// policy is the static decision table of the reference authority. Deny rules
// win over allow rules.
type policy struct {
	allowByDefault bool
	allowProcess   []string
	denyPath       []string
}

func (p policy) decide(req wire.InstallRequest) (bool, string) {
	file := normalizePath(req.FilePath)
	for _, pattern := range p.denyPath {
		if globMatch(pattern, file) || globMatch(pattern, path.Base(file)) {
			return false, "path matches deny rule " + pattern
		}
	}
	proc := strings.ToLower(strings.TrimSpace(req.ProcessName))
	for _, pattern := range p.allowProcess {
		if globMatch(pattern, proc) {
			return true, "process matches allow rule " + pattern
		}
	}
	if p.allowByDefault {
		return true, "allowed by default"
	}
	return false, "denied by default"
}

func normalizePath(p string) string {
	return strings.ToLower(strings.ReplaceAll(p, `\`, "/"))
}

func globMatch(pattern, name string) bool {
	ok, err := path.Match(normalizePath(pattern), name)
	return err == nil && ok
}

// fileSHA256 hashes the installer so decisions can be logged against its
// content.
func fileSHA256(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type cleanupItem struct {
	path     string
	queuedAt time.Time
	due      time.Time
	attempts int
}

// cleaner removes artifacts of denied installs once they have aged past
// delay. Failed removals are retried until maxAttempts.
type cleaner struct {
	delay       time.Duration
	retryDelay  time.Duration
	maxAttempts int
	now         func() time.Time
	remove      func(string) error

	mu    sync.Mutex
	items []cleanupItem
}

func newCleaner(delay, retryDelay time.Duration, maxAttempts int) *cleaner {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &cleaner{
		delay:       delay,
		retryDelay:  retryDelay,
		maxAttempts: maxAttempts,
		now:         time.Now,
		remove:      os.Remove,
	}
}

func (c *cleaner) Enqueue(p string) {
	if strings.TrimSpace(p) == "" {
		return
	}
	now := c.now()
	c.mu.Lock()
	c.items = append(c.items, cleanupItem{path: p, queuedAt: now, due: now.Add(c.delay)})
	c.mu.Unlock()
}

func (c *cleaner) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// processDue attempts every item whose delay has elapsed and returns how
// many paths are gone afterwards.
func (c *cleaner) processDue() int {
	now := c.now()
	c.mu.Lock()
	var due, waiting []cleanupItem
	for _, it := range c.items {
		if now.Before(it.due) {
			waiting = append(waiting, it)
		} else {
			due = append(due, it)
		}
	}
	c.items = waiting
	c.mu.Unlock()

	removed := 0
	var retry []cleanupItem
	for _, it := range due {
		err := c.remove(it.path)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			removed++
			log.Printf("cleanup: removed %s (queued %s ago)", it.path, now.Sub(it.queuedAt).Round(time.Second))
			continue
		}
		it.attempts++
		if it.attempts >= c.maxAttempts {
			log.Printf("cleanup: giving up on %s after %d attempts: %v", it.path, it.attempts, err)
			continue
		}
		log.Printf("cleanup: remove %s failed, retrying: %v", it.path, err)
		it.due = now.Add(c.retryDelay)
		retry = append(retry, it)
	}
	if len(retry) > 0 {
		c.mu.Lock()
		c.items = append(c.items, retry...)
		c.mu.Unlock()
	}
	return removed
}

func (c *cleaner) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.processDue()
		}
	}
}

type authorityConfig struct {
	URL             string
	Token           string
	Policy          policy
	CleanupDelay    time.Duration
	CleanupRetry    time.Duration
	CleanupAttempts int
	CleanupInterval time.Duration
}

func runAuthority(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("authority", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	url := fs.String("url", env("INSTALLGUARD_CHANNEL_URL", "ws://127.0.0.1:8470/v1/channel"), "channel websocket url")
	token := fs.String("token", env("INSTALLGUARD_CHANNEL_TOKEN", ""), "channel bearer token")
	def := fs.String("default", "deny", "decision when no rule matches (allow|deny)")
	var allowProcess, denyPath listFlag
	fs.Var(&allowProcess, "allow-process", "process name glob to allow (repeatable)")
	fs.Var(&denyPath, "deny-path", "installer path glob to deny (repeatable)")
	cleanupDelay := fs.Duration("cleanup-delay", 5*time.Minute, "wait before removing a denied installer")
	cleanupRetry := fs.Duration("cleanup-retry", 30*time.Second, "wait between failed removals")
	cleanupAttempts := fs.Int("cleanup-attempts", 5, "removal attempts per path")
	cleanupInterval := fs.Duration("cleanup-interval", time.Second, "cleanup queue poll interval")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var allow bool
	switch strings.ToLower(strings.TrimSpace(*def)) {
	case "allow":
		allow = true
	case "deny":
	default:
		return fmt.Errorf("--default must be allow or deny, got %q", *def)
	}
	ctx, cancel := signalContext()
	defer cancel()
	return serveAuthority(ctx, authorityConfig{
		URL:             *url,
		Token:           *token,
		Policy:          policy{allowByDefault: allow, allowProcess: allowProcess, denyPath: denyPath},
		CleanupDelay:    *cleanupDelay,
		CleanupRetry:    *cleanupRetry,
		CleanupAttempts: *cleanupAttempts,
		CleanupInterval: *cleanupInterval,
	}, out)
}

// serveAuthority answers install requests on the channel until ctx ends or
// the server closes the connection.
func serveAuthority(ctx context.Context, cfg authorityConfig, out io.Writer) error {
	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if t := strings.TrimSpace(cfg.Token); t != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+t)
	}
	conn, _, err := websocket.Dial(ctx, cfg.URL, opts)
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(wire.MaxMessageSize)
	fmt.Fprintf(out, "connected to %s\n", cfg.URL)

	cl := newCleaner(cfg.CleanupDelay, cfg.CleanupRetry, cfg.CleanupAttempts)
	loopCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cl.Run(loopCtx, cfg.CleanupInterval)
	}()
	defer func() {
		stop()
		wg.Wait()
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		if typ != websocket.MessageBinary {
			continue
		}
		cmd, err := wire.Command(data)
		if err != nil {
			log.Printf("authority: %v", err)
			continue
		}
		switch cmd {
		case wire.CmdInstallRequest:
			req, err := wire.DecodeInstallRequest(data)
			if err != nil {
				log.Printf("authority: %v", err)
				continue
			}
			allow, reason := cfg.Policy.decide(req)
			digest, hashErr := fileSHA256(req.FilePath)
			if hashErr != nil {
				digest = "unavailable"
			}
			verdict := "DENY"
			if allow {
				verdict = "ALLOW"
			}
			fmt.Fprintf(out, "request %d %s by %s (pid %d, user %s) sha256=%s -> %s: %s\n",
				req.RequestID, req.FilePath, req.ProcessName, req.ProcessID, req.UserName, digest, verdict, reason)
			raw, err := wire.EncodeInstallResponse(wire.InstallResponse{RequestID: req.RequestID, Allow: allow, Reason: reason})
			if err != nil {
				return err
			}
			if err := conn.Write(ctx, websocket.MessageBinary, raw); err != nil {
				return err
			}
		case wire.CmdCleanupRequest:
			n, err := wire.DecodeCleanupNotice(data)
			if err != nil {
				log.Printf("authority: %v", err)
				continue
			}
			cl.Enqueue(n.FilePath)
			fmt.Fprintf(out, "cleanup queued %s\n", n.FilePath)
		default:
			log.Printf("authority: unexpected command 0x%x", cmd)
		}
	}
}
