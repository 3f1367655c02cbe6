package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mjl-/bstore"
	"github.com/mjl-/sconf"
)

var version = "dev"

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "crate_panic_total",
		Help: "Number of unhandled panics, by server.",
	},
	[]string{
		"server",
	},
)

var metricRequest = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "crate_request_duration_seconds",
		Help:    "HTTP requests with operation, response code, and duration until response status code is written, in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 30, 120},
	},
	[]string{
		"method", // http method
		"op",     // operation, registry/auth/api
		"code",   // http response code
	},
)

// Where all metadata is stored: users, sessions, tokens, groups,
// permissions, repositories, manifests, tags and blob records. Blob
// contents are on the file system, written there before committing
// inserts.
var database *bstore.DB

var logger *zap.SugaredLogger

// OAuthCredentials is a client id/secret pair registered with an
// identity provider.
type OAuthCredentials struct {
	ClientID     string `sconf-doc:"OAuth2 client id."`
	ClientSecret string `sconf-doc:"OAuth2 client secret."`
}

var configFile string
var config struct {
	DataDir       string           `sconf-doc:"Directory to store the database and config/layer blobs."`
	BaseURL       string           `sconf-doc:"External URL of this server, used in OAuth redirect URLs, e.g. https://registry.example.com. Without trailing slash."`
	SessionSecret string           `sconf-doc:"Secret for signing session tokens (HMAC-SHA256). Keep stable across restarts or all sessions become invalid."`
	SessionDays   int              `sconf:"optional" sconf-doc:"Days a login session stays valid. Default 30."`
	Google        OAuthCredentials `sconf:"optional" sconf-doc:"OAuth client for signing in with Google."`
	GitHub        OAuthCredentials `sconf:"optional" sconf-doc:"OAuth client for signing in with GitHub."`
}

// Prints requests and responses.
var debugFlag bool

func xparseConfig() {
	if err := sconf.ParseFile(configFile, &config); err != nil {
		fmt.Fprintf(os.Stderr, "parsing config: %v\n", err)
		os.Exit(2)
	}
	if config.SessionDays == 0 {
		config.SessionDays = 30
	}
}

func initLogger() {
	zc := zap.NewProductionConfig()
	zc.DisableStacktrace = true
	if debugFlag {
		zc = zap.NewDevelopmentConfig()
	}
	zl, err := zc.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(2)
	}
	logger = zl.Sugar()
}

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: crate serve")
		fmt.Fprintln(os.Stderr, "       crate describe >crate.conf")
		fmt.Fprintln(os.Stderr, "       crate testconfig crate.conf")
		fmt.Fprintln(os.Stderr, "       crate version")
		flag.PrintDefaults()
		os.Exit(2)
	}
	flag.StringVar(&configFile, "config", "crate.conf", "path to configuration file")
	flag.BoolVar(&debugFlag, "debug", false, "enable debug logging, e.g. printing HTTP requests and responses")
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
	}
	initLogger()
	defer func() {
		_ = logger.Sync()
	}()

	cmd, args := args[0], args[1:]
	switch cmd {
	case "serve":
		xparseConfig()
		serve(args)
	case "describe":
		if len(args) != 0 {
			flag.Usage()
		}
		if err := sconf.Describe(os.Stdout, config); err != nil {
			logger.Fatalw("describing config", "err", err)
		}
	case "testconfig":
		if len(args) != 1 {
			flag.Usage()
		}
		configFile = args[0]
		xparseConfig()
	case "version":
		if len(args) != 0 {
			flag.Usage()
		}
		fmt.Println(version)
	default:
		flag.Usage()
	}
}

func xdb() *bstore.DB {
	os.MkdirAll(config.DataDir, 0755)
	db, err := bstore.Open(context.Background(), filepath.Join(config.DataDir, "crate.db"), &bstore.Options{Perm: 0660},
		DBUser{}, DBSession{}, DBAccessToken{}, DBGroup{}, DBGroupMember{},
		DBRepo{}, DBUserPermission{}, DBGroupPermission{},
		DBBlob{}, DBManifest{}, DBTag{}, DBAuthState{})
	if err != nil {
		logger.Fatalw("open database", "err", err)
	}
	return db
}

func logCheck(err error, format string, args ...any) {
	if err == nil {
		return
	}
	logger.Errorw(fmt.Sprintf(format, args...), "err", err)
}

func serve(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var addr, adminAddr, tlsKey, tlsCert string
	fs.StringVar(&addr, "addr", "localhost:8300", "address to listen on for the registry, auth and api endpoints")
	fs.StringVar(&adminAddr, "adminaddr", "localhost:8301", "address to listen on for metrics")
	fs.StringVar(&tlsKey, "tlskey", "", "serve https with this tls key, instead of plain http")
	fs.StringVar(&tlsCert, "tlscert", "", "serve https with this tls cert, instead of plain http")
	fs.Parse(args)
	if len(fs.Args()) != 0 {
		flag.Usage()
	}

	database = xdb()

	mux := http.NewServeMux()
	mux.Handle("/v2/", registry{})
	mux.Handle("/auth/", authHandler{})
	mux.Handle("/api/", apiHandler{})

	adminmux := http.NewServeMux()
	adminmux.Handle("/metrics", promhttp.Handler())

	logger.Infow("crate serving", "version", version, "addr", addr, "admin", adminAddr)
	go func() {
		if tlsKey != "" || tlsCert != "" {
			logger.Fatal(http.ListenAndServeTLS(addr, tlsCert, tlsKey, mux))
		} else {
			logger.Fatal(http.ListenAndServe(addr, mux))
		}
	}()
	logger.Fatal(http.ListenAndServe(adminAddr, adminmux))
}

// internal server error.
type serverErr struct {
	err error
}

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		panic(serverErr{fmt.Errorf("%s: %s", fmt.Sprintf(format, args...), err)})
	}
}

// For checking errors when writing HTTP responses, we don't want to log
// i/o errors from disappearing clients, but we do want to see other
// errors.
func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || isRemoteTLSError(err)
}

// A remote TLS client can send a message indicating failure, this makes
// it back to us as a write error.
func isRemoteTLSError(err error) bool {
	var netErr *net.OpError
	return errors.As(err, &netErr) && netErr.Op == "remote error"
}

func sessionDuration() time.Duration {
	return time.Duration(config.SessionDays) * 24 * time.Hour
}
