package app

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	intrnl "syncroom/internal"
	"syncroom/internal/storage"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr   string
	server *http.Server
	engine *intrnl.Server
	store  io.Closer
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Engine exposes the running room server.
func (h *ServerHandle) Engine() *intrnl.Server {
	return h.engine
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	h.cancel()
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

type messageStore interface {
	intrnl.MessageStore
	Migrate(ctx context.Context) error
	Close() error
}

func openStore(ctx context.Context, cfg ServerConfig) (messageStore, error) {
	var store messageStore
	switch cfg.Store {
	case StoreMongo:
		mongoStore, err := storage.NewMongoStore(storage.MongoConfig{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database})
		if err != nil {
			return nil, err
		}
		store = mongoStore
	default:
		if dir := filepath.Dir(cfg.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, errors.Wrap(err, "create db dir")
			}
		}
		sqliteStore, err := storage.NewStore(cfg.DBPath)
		if err != nil {
			return nil, errors.Wrap(err, "open store")
		}
		store = sqliteStore
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return store, nil
}

// RunServer opens the configured store, runs migrations, wires handlers and
// starts serving in the background. Call Stop/Wait to manage its lifecycle.
func RunServer(ctx context.Context, cfg ServerConfig) (*ServerHandle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg.Path = NormalizeJoinPath(cfg.Path)
	if cfg.UploadDir == "" {
		cfg.UploadDir = DefaultUploadDir(cfg.DBPath)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	engine, err := intrnl.NewServer(store, intrnl.TransferOptions{
		Dir:          cfg.UploadDir,
		MaxFileSize:  cfg.MaxFileSize,
		MaxChunkSize: cfg.MaxChunkSize,
		SessionTTL:   cfg.UploadSessionTTL,
	}, intrnl.ServerOptions{
		BacklogLimit: cfg.BacklogLimit,
		MessageRate:  cfg.RateLimit.Messages,
		RequestRate:  cfg.RateLimit.Requests,
		RateWindow:   cfg.RateLimit.Window,
		ReapInterval: cfg.ReapInterval,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	mux := http.NewServeMux()
	registerHandlers(mux, cfg.Path, engine)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "listen")
	}

	runCtx, cancel := context.WithCancel(ctx)
	handle := &ServerHandle{
		addr:   listener.Addr().String(),
		server: httpServer,
		engine: engine,
		store:  store,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		engine.Run(runCtx)
	}()
	go func() {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			jww.ERROR.Printf("server shutdown error: %v", err)
		}
	}()
	go handle.serve(listener, engineDone)

	jww.INFO.Printf("syncroom %s listening on %s (join path %s, store %s, files in %s)",
		intrnl.Version, handle.addr, cfg.Path, cfg.Store, cfg.UploadDir)
	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener, engineDone <-chan struct{}) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	h.cancel()
	<-engineDone
	if err := h.store.Close(); err != nil {
		jww.ERROR.Printf("store close error: %v", err)
	}
	h.err = err
}

func registerHandlers(mux *http.ServeMux, wsPath string, server *intrnl.Server) {
	mux.HandleFunc(wsPath, server.ServeWS)
	mux.HandleFunc("/api/rooms", server.HandleRooms)
	mux.HandleFunc("/api/files", server.HandleFileList)
	mux.HandleFunc("/api/files/", server.HandleFile)
	mux.HandleFunc("/api/upload", server.HandleUpload)
	mux.Handle("/metrics", server.MetricsHandler())
	mux.HandleFunc("/healthz", server.HandleHealth)
}
