package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"web/clustermap/render"
)

// ViewAction carries the arguments of POST /api/view/:action. Which fields
// are read depends on the action.
type ViewAction struct {
	DX     float64 `json:"dx"`
	DY     float64 `json:"dy"`
	Factor float64 `json:"factor"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Key    string  `json:"key"`
}

// ViewResponse is the view after an action and the events it emitted.
type ViewResponse struct {
	Changed bool             `json:"changed"`
	View    render.ViewState `json:"view"`
	Events  []LoggedEvent    `json:"events"`
}

func (s *Server) handleView(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.View())
}

func (s *Server) handleViewSVG(c *gin.Context) {
	if s.opts.SVG == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "SVG rendering is not enabled"})
		return
	}
	s.viewMu.Lock()
	defer s.viewMu.Unlock()

	s.ctrl.Settle()
	c.Header("Content-Type", "image/svg+xml")
	c.Status(http.StatusOK)
	if _, err := s.opts.SVG.WriteTo(c.Writer); err != nil {
		s.log.WithError(err).Warn("failed to write SVG")
	}
}

// handleViewAction drives the server-side controller the way pointer and
// button input would, then settles any animation it started.
func (s *Server) handleViewAction(c *gin.Context) {
	var a ViewAction
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&a); err != nil {
			badRequest(c, "Invalid request")
			return
		}
	}

	s.viewMu.Lock()
	defer s.viewMu.Unlock()

	before := s.opts.Events.Seq()
	var changed bool
	switch action := c.Param("action"); action {
	case "zoom-in":
		changed = s.ctrl.ZoomIn()
	case "zoom-out":
		changed = s.ctrl.ZoomOut()
	case "reset":
		changed = s.ctrl.Reset()
	case "double-click":
		changed = s.ctrl.DoubleClick()
	case "pan":
		if s.ctrl.BeginPan() {
			changed = s.ctrl.Pan(a.DX, a.DY)
			s.ctrl.EndPan()
		}
	case "zoom":
		if a.Factor <= 0 {
			badRequest(c, "factor must be positive")
			return
		}
		changed = s.ctrl.Wheel(a.Factor, a.X, a.Y)
	case "resize":
		if a.Width <= 0 || a.Height <= 0 {
			badRequest(c, "width and height must be positive")
			return
		}
		changed = s.ctrl.Resize(a.Width, a.Height)
		if s.opts.SVG != nil {
			s.opts.SVG.Width, s.opts.SVG.Height = a.Width, a.Height
		}
	case "hover", "click", "leave":
		// Hit testing uses the markers of the last frame.
		s.ctrl.Settle()
		switch action {
		case "hover":
			if a.Key != "" {
				changed = s.ctrl.Hover(a.Key) != nil
			} else {
				s.ctrl.HoverAt(a.X, a.Y)
				changed = true
			}
		case "click":
			if a.Key != "" {
				changed = s.ctrl.Click(a.Key)
			} else {
				s.ctrl.ClickAt(a.X, a.Y)
				changed = true
			}
		default:
			s.ctrl.Leave()
			changed = true
		}
	default:
		badRequest(c, "unknown view action "+action)
		return
	}

	s.ctrl.Settle()
	c.JSON(http.StatusOK, ViewResponse{
		Changed: changed,
		View:    s.ctrl.View(),
		Events:  s.opts.Events.Since(before),
	})
}
