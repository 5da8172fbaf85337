package handler

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/access/controller"
	"github.com/m-lab/netdiag/internal/geoip"
	"github.com/m-lab/netdiag/internal/metrics"
	"github.com/m-lab/netdiag/pkg/speedtest/rate"
	"github.com/m-lab/netdiag/pkg/speedtest/spec"
)

//go:embed static/index.html
var indexHTML []byte

var errInvalidSize = errors.New("invalid size")

// Handler serves the netdiag speed test endpoints.
type Handler struct {
	locator *geoip.Locator
	// chunk is the filler written by Download. It is never modified.
	chunk []byte
}

// New returns a Handler that answers /ip requests using locator.
func New(locator *geoip.Locator) *Handler {
	return &Handler{
		locator: locator,
		chunk:   bytes.Repeat([]byte{spec.DownloadFiller}, spec.DownloadChunkSize),
	}
}

// Mux returns a ServeMux with all the routes registered. API routes answer
// CORS preflight requests and carry permissive CORS headers.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(spec.IndexPath, http.HandlerFunc(h.Index))
	mux.Handle(spec.PingPath, WithCORS(http.HandlerFunc(h.Ping)))
	mux.Handle(spec.DownloadPath, WithCORS(http.HandlerFunc(h.Download)))
	mux.Handle(spec.UploadPath, WithCORS(http.HandlerFunc(h.Upload)))
	mux.Handle(spec.IPPath, WithCORS(http.HandlerFunc(h.IP)))
	return mux
}

// Index serves the landing page. Any other unmatched path is a 404.
func (h *Handler) Index(rw http.ResponseWriter, req *http.Request) {
	if req.URL.Path != spec.IndexPath {
		http.Error(rw, "Not Found", http.StatusNotFound)
		return
	}
	rw.Header().Set("Content-Type", "text/html;charset=UTF-8")
	rw.Write(indexHTML)
}

// Ping answers with an empty 204 response.
func (h *Handler) Ping(rw http.ResponseWriter, req *http.Request) {
	metrics.PingCount.Inc()
	rw.WriteHeader(http.StatusNoContent)
}

// Download streams min(size, spec.MaxDownloadSize) bytes of filler.
func (h *Handler) Download(rw http.ResponseWriter, req *http.Request) {
	size, err := parseSize(req.URL.Query().Get(spec.SizeParam))
	if err != nil {
		log.Info("Received download request with invalid size",
			"source", req.RemoteAddr, "error", err)
		writeBadRequest(rw)
		return
	}
	if size > spec.MaxDownloadSize {
		size = spec.MaxDownloadSize
	}

	const direction = "download"
	metrics.ActiveTransfers.WithLabelValues(direction).Inc()
	defer metrics.ActiveTransfers.WithLabelValues(direction).Dec()

	rw.Header().Set("Content-Type", "application/octet-stream")
	rw.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	rw.Header().Set("Cache-Control", "no-store")
	rw.WriteHeader(http.StatusOK)

	start := time.Now()
	var sent int64
	for sent < size {
		chunk := h.chunk
		if remaining := size - sent; remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}
		n, err := rw.Write(chunk)
		sent += int64(n)
		if err != nil {
			// The client went away. Headers are gone already, nothing to
			// report but the metric.
			log.Debug("download interrupted", "mid", getMIDFromRequest(req),
				"sent", sent, "size", size, "error", err)
			metrics.TransferBytes.WithLabelValues(direction).Add(float64(sent))
			metrics.TransferCount.WithLabelValues(direction, "interrupted").Inc()
			return
		}
	}
	h.recordTransfer(req, direction, sent, time.Since(start))
}

// Upload reads and discards the request body.
func (h *Handler) Upload(rw http.ResponseWriter, req *http.Request) {
	const direction = "upload"
	metrics.ActiveTransfers.WithLabelValues(direction).Inc()
	defer metrics.ActiveTransfers.WithLabelValues(direction).Dec()

	start := time.Now()
	n, err := io.Copy(io.Discard, req.Body)
	if err != nil {
		log.Info("upload body read failed", "mid", getMIDFromRequest(req),
			"source", req.RemoteAddr, "read", n, "error", err)
		metrics.TransferBytes.WithLabelValues(direction).Add(float64(n))
		metrics.TransferCount.WithLabelValues(direction, "error").Inc()
		http.Error(rw, "Upload failed", http.StatusBadRequest)
		return
	}
	h.recordTransfer(req, direction, n, time.Since(start))
	rw.Write([]byte("OK"))
}

// IP returns the client's IP address, country and city as JSON.
func (h *Handler) IP(rw http.ResponseWriter, req *http.Request) {
	info := h.locator.Lookup(req)
	b, err := json.Marshal(info)
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.Write(b)
}

func (h *Handler) recordTransfer(req *http.Request, direction string, n int64,
	elapsed time.Duration) {
	mbps := rate.Mbps(n, elapsed)
	metrics.TransferBytes.WithLabelValues(direction).Add(float64(n))
	metrics.TransferCount.WithLabelValues(direction, "ok").Inc()
	metrics.TransferRate.WithLabelValues(direction).Observe(mbps)
	log.Debug("transfer complete", "mid", getMIDFromRequest(req),
		"direction", direction, "bytes", n, "elapsed", elapsed, "mbps", mbps)
}

// parseSize parses the size querystring parameter. An empty value selects
// the default size.
func parseSize(s string) (int64, error) {
	if s == "" {
		return spec.DefaultDownloadSize, nil
	}
	size, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if size < 0 {
		return 0, errInvalidSize
	}
	return size, nil
}

// getMIDFromRequest extracts the measurement id ("mid") from a given HTTP
// request. It is only used to correlate log lines, so a missing mid is not
// an error.
//
// A measurement ID can be specified in two ways: via a "mid" querystring
// parameter or via the ID field of a verified JWT access token.
func getMIDFromRequest(req *http.Request) string {
	// If the request includes a valid JWT token, the claim and the ID are in
	// the request's context already.
	if claims := controller.GetClaim(req.Context()); claims != nil {
		return claims.ID
	}
	return req.URL.Query().Get(spec.MIDParam)
}

// writeBadRequest sends a Bad Request response to the client using writer.
func writeBadRequest(writer http.ResponseWriter) {
	writer.Header().Set("Connection", "Close")
	writer.WriteHeader(http.StatusBadRequest)
}
