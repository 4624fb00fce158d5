package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	apperrors "github.com/zfogg/livecache/internal/errors"
	"github.com/zfogg/livecache/internal/forum"
	"github.com/zfogg/livecache/internal/middleware"
)

func solutionRef(c *gin.Context) forum.SolutionRef {
	return forum.SolutionRef{
		GroupID:    c.Param("group"),
		ProblemID:  c.Param("problem"),
		SolutionID: c.Param("solution"),
	}
}

// ToggleUpvote flips the caller's upvote on a solution
// POST /api/v1/groups/:group/problems/:problem/solutions/:solution/upvote
func (h *Handlers) ToggleUpvote(c *gin.Context) {
	ref := solutionRef(c)
	result, err := h.forum.ToggleUpvote(c.Request.Context(), ref, middleware.GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"solution_id":  ref.SolutionID,
		"upvoted":      result.Upvoted,
		"upvote_count": result.Count,
		"mode":         h.forum.Mode(),
	})
}

// Reconcile recounts a solution's upvote flags into its count
// POST /api/v1/groups/:group/reconcile/:problem/:solution
func (h *Handlers) Reconcile(c *gin.Context) {
	ref := solutionRef(c)
	count, err := h.forum.Reconcile(c.Request.Context(), ref)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"solution_id":  ref.SolutionID,
		"upvote_count": count,
	})
}

// RecordSubmission counts one of the caller's submissions to a problem
// POST /api/v1/groups/:group/problems/:problem/submissions
func (h *Handlers) RecordSubmission(c *gin.Context) {
	var req struct {
		Accepted *bool `json:"accepted" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationError("accepted", err.Error()))
		return
	}

	result, err := h.forum.RecordSubmission(c.Request.Context(),
		c.Param("group"), c.Param("problem"), middleware.GetUserID(c), *req.Accepted)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// JoinGroup adds the caller to a group
// POST /api/v1/groups/:group/members
func (h *Handlers) JoinGroup(c *gin.Context) {
	joined, err := h.forum.JoinGroup(c.Request.Context(), c.Param("group"), middleware.GetUserID(c), forum.RoleMember)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if joined {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"group_id": c.Param("group"),
		"joined":   joined,
	})
}

// LeaveGroup removes the caller from a group
// DELETE /api/v1/groups/:group/members
func (h *Handlers) LeaveGroup(c *gin.Context) {
	if err := h.forum.LeaveGroup(c.Request.Context(), c.Param("group"), middleware.GetUserID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
