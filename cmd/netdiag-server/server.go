package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/handlers"
	"github.com/m-lab/access/controller"
	"github.com/m-lab/access/token"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/httpx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/netdiag/internal/geoip"
	"github.com/m-lab/netdiag/internal/handler"
	"github.com/m-lab/netdiag/pkg/speedtest/spec"
	"github.com/m-lab/netdiag/pkg/version"
)

var (
	flagCertFile          = flag.String("cert", "", "The file with server certificates in PEM format.")
	flagKeyFile           = flag.String("key", "", "The file with server key in PEM format.")
	flagEndpoint          = flag.String("tls_addr", ":4443", "Listen address/port for TLS connections")
	flagEndpointCleartext = flag.String("listen_addr", ":8080", "Listen address/port for cleartext connections")
	flagGeoIPDB           = flag.String("geoip.db", "", "Path to a MaxMind City database used by the /ip endpoint")
	flagGeoIPTTL          = flag.Duration("geoip.ttl", geoip.DefaultTTL, "How long to cache GeoIP lookups")
	flagTimeout           = flag.Duration("timeout", 10*time.Minute, "Maximum duration of a single request")
	flagDebug             = flag.Bool("debug", false, "Enable debug logging")
	flagTrustProxyHeaders = flag.Bool("trust-proxy-headers", false, "Use proxy headers for the client's address and location")
	tokenVerifyKey        = flagx.FileBytesArray{}
	tokenVerify           bool
	tokenMachine          string

	// Context for the whole program.
	ctx, cancel = context.WithCancel(context.Background())
)

func init() {
	flag.Var(&tokenVerifyKey, "token.verify-key", "Public key for verifying access tokens")
	flag.BoolVar(&tokenVerify, "token.verify", false, "Verify access tokens")
	flag.StringVar(&tokenMachine, "token.machine", "", "Use given machine name to verify token claims")
}

// httpServer creates a new *http.Server with explicit Read and Write
// timeouts, the provided address and handler, and an empty TLS configuration.
func httpServer(addr string, handler http.Handler) *http.Server {
	tlsconf := &tls.Config{}
	return &http.Server{
		Addr:      addr,
		Handler:   handler,
		TLSConfig: tlsconf,
		// NOTE: set absolute read and write timeouts for server connections.
		// This prevents clients, or middleboxes, from opening a connection and
		// holding it open indefinitely. The timeouts must allow for the
		// largest transfer on a slow link.
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       *flagTimeout,
		WriteTimeout:      *flagTimeout,
	}
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse env args")

	// Initialize logging and metrics.
	log.SetReportCaller(true)
	log.SetReportTimestamp(true)
	if *flagDebug {
		log.SetLevel(log.DebugLevel)
	}

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	v, err := token.NewVerifier(tokenVerifyKey.Get()...)
	if (tokenVerify) && err != nil {
		rtx.Must(err, "Failed to load verifier")
	}
	// Enforce tokens on uploads and downloads.
	txPaths := controller.Paths{
		spec.DownloadPath: true,
		spec.UploadPath:   true,
	}
	tokenPaths := controller.Paths{
		spec.DownloadPath: true,
		spec.UploadPath:   true,
	}
	acm, _ := controller.Setup(ctx, v, tokenVerify, tokenMachine, txPaths, tokenPaths)

	locator, err := geoip.New(*flagGeoIPDB, *flagGeoIPTTL, *flagTrustProxyHeaders)
	rtx.Must(err, "Could not open GeoIP database %q", *flagGeoIPDB)
	defer locator.Close()

	h := handler.New(locator)
	// Preflight requests carry no token, so they are answered before access
	// control.
	root := handler.Preflight(acm.Then(h.Mux()))
	if *flagTrustProxyHeaders {
		root = handlers.ProxyHeaders(root)
	}
	root = handler.AccessLog(os.Stdout, root)

	log.Info("netdiag-server starting", "version", version.Version)

	cleartext := httpServer(*flagEndpointCleartext, root)
	log.Info("About to listen for tests", "endpoint", *flagEndpointCleartext)
	rtx.Must(httpx.ListenAndServeAsync(cleartext), "Could not start cleartext server")
	defer cleartext.Close()

	// Only start TLS-based services if certs and keys are provided
	if *flagCertFile != "" && *flagKeyFile != "" {
		tlsServer := httpServer(*flagEndpoint, root)
		log.Info("About to listen for TLS tests", "endpoint", *flagEndpoint)
		rtx.Must(httpx.ListenAndServeTLSAsync(tlsServer, *flagCertFile, *flagKeyFile),
			"Could not start TLS server")
		defer tlsServer.Close()
	}

	<-ctx.Done()
	cancel()
}
