package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"web/clustermap/runner"
)

func (s *Server) handleListIndexes(c *gin.Context) {
	if s.opts.Runner == nil {
		abort(c, errNoRunner)
		return
	}
	resp, err := s.opts.Runner.List(c.Request.Context(), &runner.ListRequest{})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"active":  s.ActiveIndex(),
		"indexes": resp.Indexes,
		"loaded":  s.opts.Runner.Loaded(),
	})
}

// handleBuildIndex builds a new index and shows it in the view.
func (s *Server) handleBuildIndex(c *gin.Context) {
	if s.opts.Runner == nil {
		abort(c, errNoRunner)
		return
	}
	var req runner.BuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	resp, err := s.opts.Runner.Build(c.Request.Context(), &req)
	if err != nil {
		abort(c, err)
		return
	}
	if err := s.activate(resp.Index.ID); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleLoadIndex(c *gin.Context) {
	if s.opts.Runner == nil {
		abort(c, errNoRunner)
		return
	}
	id := c.Param("id")
	resp, err := s.opts.Runner.Load(c.Request.Context(), &runner.LoadRequest{ID: id})
	if err != nil {
		abort(c, err)
		return
	}
	if err := s.activate(id); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Index loaded successfully",
		"index":   resp.Index,
	})
}

// activate installs index id into the controller.
func (s *Server) activate(id string) error {
	idx, _, err := s.opts.Runner.Get(id)
	if err != nil {
		return err
	}
	s.ctrl.SetIndex(idx)

	s.mu.Lock()
	s.activeID = id
	s.mu.Unlock()
	s.log.WithFields(map[string]interface{}{"index": id, "points": idx.Len()}).Info("activated index")
	return nil
}
