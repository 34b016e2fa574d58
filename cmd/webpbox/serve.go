package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/caffeineduck/webpbox/codec"
	"github.com/caffeineduck/webpbox/imbuf"
	"github.com/caffeineduck/webpbox/sandbox"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for image conversion",
	Long: `Start an HTTP server that exposes the codec over REST endpoints.

Endpoints:
  POST   /sniff                 Body is any file, returns {"webp":true|false}
  POST   /info                  Body is WebP, returns {"width":..,"height":..,"alpha":..}
  POST   /decode                Body is WebP, returns PNG
  POST   /thumbnail?size=N      Body is WebP, returns PNG scaled to N
  POST   /encode?quality=Q      Body is PNG or JPEG, returns WebP
  GET    /health                Health check

Requests share one codec domain and are processed one at a time.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 0, "Port to listen on (default from config)")
	serveCmd.Flags().Int64("max-body", 0, "Max request body size (default from config)")

	rootCmd.AddCommand(serveCmd)
}

type infoResponse struct {
	Width  int  `json:"width"`
	Height int  `json:"height"`
	Alpha  bool `json:"alpha"`
}

type sniffResponse struct {
	WebP bool `json:"webp"`
}

type errorResponse struct {
	Error string     `json:"error"`
	Kind  codec.Kind `json:"kind,omitempty"`
}

type server struct {
	driver  *codec.Driver
	maxBody int64
}

// newServer returns the HTTP handler serving d.
func newServer(d *codec.Driver, maxBody int64) http.Handler {
	s := &server{driver: d, maxBody: maxBody}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sniff", s.handleSniff)
	mux.HandleFunc("POST /info", s.handleInfo)
	mux.HandleFunc("POST /decode", s.handleDecode)
	mux.HandleFunc("POST /thumbnail", s.handleThumbnail)
	mux.HandleFunc("POST /encode", s.handleEncode)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

func runServe(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	if port == 0 {
		port = cfg.Serve.Port
	}
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	if maxBody == 0 {
		maxBody = cfg.Serve.MaxBody
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDriver(ctx)
	if err != nil {
		return err
	}
	defer d.Close(context.WithoutCancel(ctx))

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           newServer(d, maxBody),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "webpbox server listening on %s (backend %s)\n", addr, cfg.Backend)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	acquired, released := d.Lifecycle().Stats()
	sandbox.Logger().Info("server stopped", zap.Uint64("leases_acquired", acquired), zap.Uint64("leases_released", released))
	return nil
}

func (s *server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
		} else {
			writeError(w, http.StatusBadRequest, err)
		}
		return nil, false
	}
	return data, true
}

func (s *server) handleSniff(w http.ResponseWriter, r *http.Request) {
	data, ok := s.readBody(w, r)
	if !ok {
		return
	}
	writeJSON(w, sniffResponse{WebP: s.driver.IsFormat(r.Context(), data)})
}

func (s *server) handleInfo(w http.ResponseWriter, r *http.Request) {
	data, ok := s.readBody(w, r)
	if !ok {
		return
	}
	img, err := s.driver.Decode(r.Context(), data, codec.FlagTest)
	if err != nil {
		writeCodecError(w, err)
		return
	}
	writeJSON(w, infoResponse{Width: img.Width, Height: img.Height, Alpha: img.HasAlpha()})
}

func (s *server) handleDecode(w http.ResponseWriter, r *http.Request) {
	data, ok := s.readBody(w, r)
	if !ok {
		return
	}
	img, err := s.driver.Decode(r.Context(), data, 0)
	if err != nil {
		writeCodecError(w, err)
		return
	}
	writePNGResponse(w, img)
}

func (s *server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	size, err := strconv.Atoi(r.URL.Query().Get("size"))
	if err != nil || size <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("size must be a positive integer"))
		return
	}
	data, ok := s.readBody(w, r)
	if !ok {
		return
	}

	// Thumbnails are decoded from a mapped file.
	f, err := os.CreateTemp("", "webpbox-*.webp")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer os.Remove(f.Name())
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	img, ow, oh, err := s.driver.DecodeThumbnail(r.Context(), f.Name(), size)
	if err != nil {
		writeCodecError(w, err)
		return
	}
	w.Header().Set("X-Original-Width", strconv.Itoa(ow))
	w.Header().Set("X-Original-Height", strconv.Itoa(oh))
	writePNGResponse(w, img)
}

func (s *server) handleEncode(w http.ResponseWriter, r *http.Request) {
	quality := float64(100)
	if q := r.URL.Query().Get("quality"); q != "" {
		v, err := strconv.ParseFloat(q, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid quality %q", q))
			return
		}
		quality = v
	}
	data, ok := s.readBody(w, r)
	if !ok {
		return
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	img, err := imbuf.FromImage(src)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := s.driver.EncodeBytes(r.Context(), img, codec.EncodeOptions{Quality: float32(quality)})
	if err != nil {
		writeCodecError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/webp")
	w.Write(out)
}

// statusOf maps a codec failure to an HTTP status.
func statusOf(kind codec.Kind) int {
	switch kind {
	case codec.KindFormatMismatch, codec.KindFeatureParse, codec.KindDecode, codec.KindInvalidArgument:
		return http.StatusUnprocessableEntity
	case codec.KindDimensionLimit:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func writeCodecError(w http.ResponseWriter, err error) {
	kind := codec.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOf(kind))
	json.NewEncoder(w).Encode(errorResponse{Error: err.Error(), Kind: kind})
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writePNGResponse(w http.ResponseWriter, img *imbuf.Image) {
	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, img.NRGBA()); err != nil {
		sandbox.Logger().Debug("writing response failed", zap.Error(err))
	}
}
