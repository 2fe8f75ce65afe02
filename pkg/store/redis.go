package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	RequireTLS bool
	TLS        RedisTLS
}

type RedisTLS struct {
	Enabled       bool
	Insecure      bool
	AllowInsecure bool
	ServerName    string
	CAFile        string
	CertFile      string
	KeyFile       string
}

func RedisConfigFromEnv() RedisConfig {
	db, _ := strconv.Atoi(strings.TrimSpace(os.Getenv("REDIS_DB")))
	return RedisConfig{
		Addr:       strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		Password:   os.Getenv("REDIS_PASSWORD"),
		DB:         db,
		RequireTLS: envBool("REDIS_REQUIRE_TLS"),
		TLS: RedisTLS{
			Enabled:       envBool("REDIS_TLS"),
			Insecure:      envBool("REDIS_TLS_INSECURE"),
			AllowInsecure: envBool("REDIS_ALLOW_INSECURE_TLS"),
			ServerName:    strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME")),
			CAFile:        strings.TrimSpace(os.Getenv("REDIS_TLS_CA_CERT_FILE")),
			CertFile:      strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE")),
			KeyFile:       strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE")),
		},
	}
}

// NewRedis connects and pings. An empty Addr means localhost:6379.
func NewRedis(ctx context.Context, c RedisConfig) (*redis.Client, error) {
	addr := c.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	tlsConfig, err := c.TLS.config()
	if err != nil {
		return nil, err
	}
	if c.RequireTLS && tlsConfig == nil {
		return nil, fmt.Errorf("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	client := redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  c.Password,
		DB:        c.DB,
		TLSConfig: tlsConfig,
	})
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (t RedisTLS) config() (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if t.Insecure {
		if !t.AllowInsecure {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
		}
		cfg.InsecureSkipVerify = true
	}
	cfg.ServerName = t.ServerName
	if t.CAFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(t.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
		}
		cfg.RootCAs = pool
	}
	if t.CertFile != "" || t.KeyFile != "" {
		if t.CertFile == "" || t.KeyFile == "" {
			return nil, fmt.Errorf("both REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(t.CertFile), filepath.Clean(t.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
