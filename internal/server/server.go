// Copyright 2025 Storyvault Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes one open vault over HTTP: entity reads and
// writes, branch operations, context assembly, and the maintenance
// operations (health, check, reindex).
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"storyvault/internal/assemble"
	"storyvault/internal/common"
	"storyvault/internal/snapshot"
	"storyvault/internal/vault"
)

// Server wraps a vault with the HTTP surface.
type Server struct {
	vault     *vault.Vault
	loader    *snapshot.Loader
	assembler *assemble.Assembler
	engine    *gin.Engine
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// New builds the router over an open vault.
func New(v *vault.Vault) *Server {
	s := &Server{
		vault:     v,
		loader:    snapshot.NewLoader(v.Index(), v.Cache(), v.Store()),
		assembler: assemble.New(v.Index()),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", s.handleHealth)
	r.POST("/check", s.handleCheck)
	r.POST("/reindex", s.handleReindex)

	r.GET("/entities/:id", s.handleGetEntity)
	r.GET("/entities", s.handleListEntities)
	r.POST("/entities", s.handleWriteEntities)
	r.DELETE("/entities/:id", s.handleDeleteEntity)

	r.GET("/branches", s.handleListBranches)
	r.POST("/branches", s.handleFork)
	r.DELETE("/branches/:name", s.handleDeleteBranch)
	r.GET("/branches/:name/state", s.handleBranchState)
	r.GET("/branches/:name/log", s.handleBranchLog)
	r.GET("/diff", s.handleDiff)

	r.GET("/context", s.handleContext)

	s.engine = r
	return s
}

// Handler returns the http.Handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the listener fails or the context ends.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Infof("[HTTP] listening on %s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// requestLogger logs each request at debug with its outcome.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debugf("[HTTP] %s %s -> %d (%v)", c.Request.Method, c.Request.URL.Path,
			c.Writer.Status(), time.Since(start))
	}
}

// fail maps domain errors onto HTTP statuses.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, common.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, common.ErrExists), errors.Is(err, common.ErrDuplicateBranch):
		status = http.StatusConflict
	case errors.Is(err, common.ErrInvalidForkPoint), errors.Is(err, common.ErrUnknownScope):
		status = http.StatusBadRequest
	case errors.Is(err, common.ErrLocked):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, ErrorResponse{Error: err.Error()})
}
