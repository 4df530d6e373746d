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

package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"storyvault/internal/assemble"
	"storyvault/internal/entity"
	"storyvault/internal/snapshot"
	"storyvault/internal/storage"
	"storyvault/internal/vault"
)

func (s *Server) handleHealth(c *gin.Context) {
	h, err := s.vault.Health(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h)
}

func (s *Server) handleCheck(c *gin.Context) {
	report, err := s.vault.Check(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusOK
	if !report.Clean() {
		status = http.StatusConflict
	}
	c.JSON(status, report)
}

// reindexEvent is one NDJSON line of the reindex stream.
type reindexEvent struct {
	Done   int               `json:"done,omitempty"`
	Total  int               `json:"total,omitempty"`
	Result *vault.SyncResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// handleReindex streams progress as NDJSON and finishes with the result
// line. `?full=true` rebuilds from scratch instead of syncing.
func (s *Server) handleReindex(c *gin.Context) {
	full := c.Query("full") == "true"
	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)

	enc := json.NewEncoder(c.Writer)
	progress := func(done, total int) {
		enc.Encode(reindexEvent{Done: done, Total: total})
		c.Writer.Flush()
	}

	var result *vault.SyncResult
	var err error
	if full {
		result, err = s.vault.Reindex(c.Request.Context(), progress)
	} else {
		result, err = s.vault.Sync(c.Request.Context(), progress)
	}
	if err != nil {
		enc.Encode(reindexEvent{Error: err.Error()})
		return
	}
	enc.Encode(reindexEvent{Result: result})
}

func (s *Server) handleGetEntity(c *gin.Context) {
	e, err := s.vault.GetEntity(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// handleListEntities returns index rows filtered by query parameters:
// type, parent, label, limit.
func (s *Server) handleListEntities(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	rows, err := s.vault.Index().QueryEntities(c.Request.Context(), storage.EntityQuery{
		Type:     c.Query("type"),
		ParentID: c.Query("parent"),
		Label:    c.Query("label"),
		Limit:    limit,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entities": rows, "count": len(rows)})
}

// writeRequest is the body of POST /entities: a batch of saves and
// deletes committed as one unit of work.
type writeRequest struct {
	Branch string           `json:"branch"`
	Save   []*entity.Entity `json:"save"`
	Delete []string         `json:"delete"`
}

func (s *Server) handleWriteEntities(c *gin.Context) {
	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.Branch == "" {
		req.Branch = storage.DefaultBranch
	}
	if len(req.Save) == 0 && len(req.Delete) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "nothing to write"})
		return
	}

	u := s.vault.NewUnitOfWork(req.Branch)
	for _, e := range req.Save {
		if e.ID == "" {
			e.ID = entity.NewID()
		}
		if err := u.Save(e); err != nil {
			u.Rollback()
			fail(c, err)
			return
		}
	}
	for _, id := range req.Delete {
		if err := u.Delete(c.Request.Context(), id); err != nil {
			u.Rollback()
			fail(c, err)
			return
		}
	}
	if err := u.Commit(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}

	ids := make([]string, 0, len(req.Save))
	for _, e := range req.Save {
		ids = append(ids, e.ID)
	}
	c.JSON(http.StatusOK, gin.H{"saved": ids, "deleted": req.Delete})
}

func (s *Server) handleDeleteEntity(c *gin.Context) {
	branch := c.Query("branch")
	if branch == "" {
		branch = storage.DefaultBranch
	}
	u := s.vault.NewUnitOfWork(branch)
	if err := u.Delete(c.Request.Context(), c.Param("id")); err != nil {
		u.Rollback()
		fail(c, err)
		return
	}
	if err := u.Commit(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

func (s *Server) handleListBranches(c *gin.Context) {
	branches, err := s.vault.Events().Branches(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branches": branches})
}

type forkRequest struct {
	Source    string `json:"source"`
	Name      string `json:"name"`
	ForkPoint string `json:"fork_point"`
}

func (s *Server) handleFork(c *gin.Context) {
	var req forkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.Source == "" {
		req.Source = storage.DefaultBranch
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "branch name is required"})
		return
	}
	branch, err := s.vault.Events().Fork(c.Request.Context(), req.Source, req.Name, req.ForkPoint)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, branch)
}

func (s *Server) handleDeleteBranch(c *gin.Context) {
	if err := s.vault.Events().DeleteBranch(c.Request.Context(), c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("name")})
}

// handleBranchState replays a branch lineage into its entity state.
func (s *Server) handleBranchState(c *gin.Context) {
	state, err := s.vault.Events().ProjectState(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branch": c.Param("name"), "entities": state})
}

func (s *Server) handleBranchLog(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	events, err := s.vault.Events().History(c.Request.Context(), c.Param("name"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branch": c.Param("name"), "events": events})
}

// handleDiff compares two branches: /diff?from=main&to=what-if
func (s *Server) handleDiff(c *gin.Context) {
	from := c.DefaultQuery("from", storage.DefaultBranch)
	to := c.Query("to")
	if to == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "query parameter 'to' is required"})
		return
	}
	diff, err := s.vault.Events().CompareBranches(c.Request.Context(), from, to)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, diff)
}

// handleContext runs the full read path: snapshot load then assembly.
// Query parameters: step, chapter, scene, characters (comma separated),
// access, budget, neighbors, mode.
func (s *Server) handleContext(c *gin.Context) {
	scope := snapshot.Scope{
		Step:        c.Query("step"),
		ChapterID:   c.Query("chapter"),
		SceneID:     c.Query("scene"),
		AccessLevel: c.DefaultQuery("access", snapshot.AccessFull),
	}
	if cast := c.Query("characters"); cast != "" {
		scope.CharacterIDs = strings.Split(cast, ",")
	}
	scope.Budget, _ = strconv.Atoi(c.Query("budget"))

	snap, err := s.loader.Load(c.Request.Context(), scope)
	if err != nil {
		fail(c, err)
		return
	}
	assembled, err := s.assembler.Assemble(c.Request.Context(), snap, assemble.Options{
		IncludeNeighbors: c.Query("neighbors") == "true",
	})
	if err != nil {
		fail(c, err)
		return
	}

	mode := assemble.RenderMode(c.DefaultQuery("mode", string(assemble.ModeJSON)))
	if mode == assemble.ModeJSON {
		c.JSON(http.StatusOK, gin.H{"context": assembled, "metrics": snap.Metrics})
		return
	}
	out, err := assemble.Render(assembled, mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	c.String(http.StatusOK, out)
}
