package kelvin

import (
	"time"

	"go.uber.org/zap"
)

// Response-type tags used in the "t" field of a JSON response frame.
const (
	respSuccessAtom     = 1
	respSuccessSequence = 2
	respSuccessPartial  = 3
	respWaitComplete    = 4
	respSuccessFeed     = 5
	respServerInfo      = 6
	respClientError     = 16
	respCompileError    = 17
	respRuntimeError    = 18
)

// Query-type opcodes placed as the first element of the outgoing JSON array.
const (
	queryStart        = 1
	queryContinue     = 2
	queryStop         = 3
	queryNoReplyWait  = 4
)

// dbTermID is the term id for the DB term, spliced into a 2-element START
// array as {"db": [dbTermID, [defaultDB]]} when the caller's query carries
// no global options of its own.
const dbTermID = 14

// sinkCapacity bounds the per-token channel the router delivers frames on.
// A full sink applies back-pressure to the single socket-reading goroutine.
const sinkCapacity = 10

// Config holds the parameters of a single connection. Build one with
// DefaultConfig and Options, or let Open apply Options over the defaults
// directly.
type Config struct {
	Host           string
	Port           int
	AuthKey        string
	DefaultDB      string
	Version        uint32
	Protocol       uint32
	TokenSeed      uint64
	ConnectTimeout time.Duration
	Logger         *zap.Logger
}

// DefaultConfig returns the baseline configuration described in §6 of
// SPEC_FULL.md.
func DefaultConfig() Config {
	return Config{
		Host:           "127.0.0.1",
		Port:           28015,
		AuthKey:        "",
		DefaultDB:      "",
		Version:        VersionV4,
		Protocol:       ProtocolJSON,
		TokenSeed:      0,
		ConnectTimeout: 10 * time.Second,
		Logger:         zap.NewNop(),
	}
}

// Option mutates a Config in place. Mirrors the teacher package's
// functional-option pattern (ClientOption/ServerOption in codec.go).
type Option func(*Config)

func WithHost(host string) Option { return func(c *Config) { c.Host = host } }

func WithPort(port int) Option { return func(c *Config) { c.Port = port } }

func WithAuthKey(key string) Option { return func(c *Config) { c.AuthKey = key } }

func WithDefaultDB(db string) Option { return func(c *Config) { c.DefaultDB = db } }

func WithVersion(v uint32) Option { return func(c *Config) { c.Version = v } }

func WithTokenSeed(seed uint64) Option { return func(c *Config) { c.TokenSeed = seed } }

func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) { c.ConnectTimeout = d }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Config) {
		if log != nil {
			c.Logger = log
		}
	}
}

// Sequence is a fully materialized SUCCESS_SEQUENCE result.
type Sequence []any

// wireResponse is the decoded shape of a JSON response frame's top level:
// {"t": int, "r": [...], "b": [...]?, "n": [...]?, "p": ...?}.
type wireResponse struct {
	Type      int   `json:"t"`
	R         []any `json:"r"`
	Backtrace []any `json:"b"`
	Notes     []any `json:"n"`
}
