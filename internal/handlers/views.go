package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zfogg/livecache/internal/forum"
	"github.com/zfogg/livecache/internal/middleware"
)

// serveView answers from a single read of the view's dependencies. Clients that
// want updates watch the same view over the websocket.
func (h *Handlers) serveView(c *gin.Context, q forum.Query) {
	def, err := forum.Named(q)
	if err != nil {
		respondError(c, err)
		return
	}
	value, err := def.Once(c.Request.Context(), h.forum.Store())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"view":  q.View,
		"group": q.GroupID,
		"items": value,
	})
}

// GetLeaderboard ranks a group's members by problems solved
// GET /api/v1/groups/:group/leaderboard
func (h *Handlers) GetLeaderboard(c *gin.Context) {
	h.serveView(c, forum.Query{View: forum.ViewLeaderboard, GroupID: c.Param("group")})
}

// GetProblems lists a group's problems with acceptance rates
// GET /api/v1/groups/:group/problems
func (h *Handlers) GetProblems(c *gin.Context) {
	h.serveView(c, forum.Query{View: forum.ViewProblems, GroupID: c.Param("group")})
}

// GetSolutions lists a problem's solutions, most upvoted first
// GET /api/v1/groups/:group/problems/:problem/solutions
func (h *Handlers) GetSolutions(c *gin.Context) {
	h.serveView(c, forum.Query{
		View:      forum.ViewSolutions,
		GroupID:   c.Param("group"),
		ProblemID: c.Param("problem"),
		Viewer:    middleware.GetUserID(c),
	})
}
