// Package api serves the read-only debug surface of the services plane
// over HTTP: health, Prometheus metrics, and JSON views of the process
// registry and the mount table.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/marmos91/helium/internal/logger"
	"github.com/marmos91/helium/pkg/metrics"
	"github.com/marmos91/helium/pkg/proc"
	"github.com/marmos91/helium/pkg/vfs"
)

// ProcessLister supplies the process snapshot; implemented by the process
// server.
type ProcessLister interface {
	Snapshot() []proc.ProcessEntry
}

// MountLister supplies the mount rows; implemented by the VFS server.
type MountLister interface {
	Mounts() []vfs.MountInfo
}

// Server is the debug HTTP server.
type Server struct {
	http *http.Server
}

// New builds the router and server. Either lister may be nil, disabling
// its endpoint.
func New(listen string, processes ProcessLister, mounts MountLister) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Get("/v1/processes", func(w http.ResponseWriter, _ *http.Request) {
		if processes == nil {
			http.Error(w, "process listing unavailable", http.StatusNotFound)
			return
		}
		writeJSON(w, processRows(processes.Snapshot()))
	})

	r.Get("/v1/mounts", func(w http.ResponseWriter, _ *http.Request) {
		if mounts == nil {
			http.Error(w, "mount listing unavailable", http.StatusNotFound)
			return
		}
		writeJSON(w, mountRows(mounts.Mounts()))
	})

	return &Server{
		http: &http.Server{
			Addr:              listen,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// requestID tags each response with a fresh X-Request-Id header.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// Run serves until Shutdown; it returns nil on graceful close.
func (s *Server) Run() error {
	logger.Info("debug api listening", "listen", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown closes the listener, waiting up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type processRow struct {
	Pid      uint64 `json:"pid"`
	Creator  uint64 `json:"creator"`
	Name     string `json:"name"`
	Running  bool   `json:"running"`
	ExitCode int32  `json:"exit_code,omitempty"`
}

func processRows(entries []proc.ProcessEntry) []processRow {
	rows := make([]processRow, 0, len(entries))
	for _, e := range entries {
		row := processRow{Pid: e.Pid, Creator: e.Creator, Name: e.Name, Running: e.Running}
		if !e.Running {
			row.ExitCode = e.ExitCode
		}
		rows = append(rows, row)
	}
	return rows
}

type mountRow struct {
	MountPoint string `json:"mount_point"`
	Fs         string `json:"fs"`
}

func mountRows(infos []vfs.MountInfo) []mountRow {
	rows := make([]mountRow, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, mountRow{MountPoint: info.MountPoint, Fs: info.FsName})
	}
	return rows
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("debug api response encoding failed", logger.KeyError, err)
	}
}
