package gateway

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tinchat/server/internal/v1/friends"
)

// friendsAPI serves the social-graph REST surface. Handlers bind the
// request, call the service, and map its errors onto the envelope; the
// business rules all live in the friends package.
type friendsAPI struct {
	svc *friends.Service
}

// intQuery parses an optional integer query parameter.
func intQuery(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: must be a non-negative integer", name)
	}
	return n, nil
}

// list serves GET /api/friends/:userId and /:userId/friends.
func (f friendsAPI) list(c *gin.Context) {
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	page, total, err := f.svc.List(c.Request.Context(), c.Param("userId"), limit, offset)
	if err != nil {
		friendFailure(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"friends": page, "total": total})
}

// requests serves GET /api/friends/:userId/requests?type=received|sent.
func (f friendsAPI) requests(c *gin.Context) {
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	direction := c.Query("type")
	reqs, total, err := f.svc.Pending(c.Request.Context(), c.Param("userId"), direction, limit, offset)
	if err != nil {
		friendFailure(c, err)
		return
	}
	if direction == "" {
		direction = "received"
	}
	respond(c, http.StatusOK, gin.H{"requests": reqs, "total": total, "type": direction})
}

// sendRequest serves POST /api/friends/request/send.
func (f friendsAPI) sendRequest(c *gin.Context) {
	var body struct {
		SenderAuthID   string `json:"senderAuthId"`
		ReceiverAuthID string `json:"receiverAuthId"`
		Message        string `json:"message"`
	}
	if !bindJSON(c, &body) {
		return
	}

	req, err := f.svc.SendRequest(c.Request.Context(), body.SenderAuthID, body.ReceiverAuthID, body.Message)
	if err != nil {
		friendFailure(c, err)
		return
	}
	respond(c, http.StatusCreated, req)
}

// accept serves POST /api/friends/accept-request.
func (f friendsAPI) accept(c *gin.Context) {
	var body struct {
		RequestID       int64  `json:"requestId"`
		AcceptingUserID string `json:"acceptingUserId"`
	}
	if !bindJSON(c, &body) {
		return
	}

	req, err := f.svc.Accept(c.Request.Context(), body.RequestID, body.AcceptingUserID)
	if err != nil {
		friendFailure(c, err)
		return
	}
	respond(c, http.StatusOK, req)
}

// decline serves POST /api/friends/decline-request.
func (f friendsAPI) decline(c *gin.Context) {
	var body struct {
		RequestID       int64  `json:"requestId"`
		DecliningUserID string `json:"decliningUserId"`
	}
	if !bindJSON(c, &body) {
		return
	}

	req, err := f.svc.Decline(c.Request.Context(), body.RequestID, body.DecliningUserID)
	if err != nil {
		friendFailure(c, err)
		return
	}
	respond(c, http.StatusOK, req)
}

// remove serves POST /api/friends/remove.
func (f friendsAPI) remove(c *gin.Context) {
	var body struct {
		User1AuthID string `json:"user1AuthId"`
		User2AuthID string `json:"user2AuthId"`
	}
	if !bindJSON(c, &body) {
		return
	}

	if err := f.svc.Remove(c.Request.Context(), body.User1AuthID, body.User2AuthID); err != nil {
		friendFailure(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"removed": true})
}

// status serves POST /api/friends/status.
func (f friendsAPI) status(c *gin.Context) {
	var body struct {
		User1AuthID string `json:"user1AuthId"`
		User2AuthID string `json:"user2AuthId"`
	}
	if !bindJSON(c, &body) {
		return
	}

	status, err := f.svc.StatusBetween(c.Request.Context(), body.User1AuthID, body.User2AuthID)
	if err != nil {
		friendFailure(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"status": status})
}

// search serves POST /api/friends/search.
func (f friendsAPI) search(c *gin.Context) {
	var body struct {
		CurrentUserAuthID string `json:"currentUserAuthId"`
		SearchTerm        string `json:"searchTerm"`
		Limit             int    `json:"limit"`
	}
	if !bindJSON(c, &body) {
		return
	}

	results, err := f.svc.Search(c.Request.Context(), body.CurrentUserAuthID, body.SearchTerm, body.Limit)
	if err != nil {
		friendFailure(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"results": results, "count": len(results)})
}

// batchStatus serves POST /api/friends/batch-status.
func (f friendsAPI) batchStatus(c *gin.Context) {
	var body struct {
		UserIDs     []string `json:"userIds"`
		RequesterID string   `json:"requesterId"`
	}
	if !bindJSON(c, &body) {
		return
	}

	statuses, err := f.svc.BatchStatus(c.Request.Context(), body.RequesterID, body.UserIDs)
	if err != nil {
		friendFailure(c, err)
		return
	}
	respond(c, http.StatusOK, statuses)
}

// block serves POST /api/friends/block.
func (f friendsAPI) block(c *gin.Context) {
	var body struct {
		BlockerAuthID string `json:"blockerAuthId"`
		BlockedAuthID string `json:"blockedAuthId"`
		Reason        string `json:"reason"`
	}
	if !bindJSON(c, &body) {
		return
	}

	if err := f.svc.Block(c.Request.Context(), body.BlockerAuthID, body.BlockedAuthID, body.Reason); err != nil {
		friendFailure(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"blocked": true})
}

// unblock serves POST /api/friends/unblock.
func (f friendsAPI) unblock(c *gin.Context) {
	var body struct {
		BlockerAuthID string `json:"blockerAuthId"`
		BlockedAuthID string `json:"blockedAuthId"`
	}
	if !bindJSON(c, &body) {
		return
	}

	if err := f.svc.Unblock(c.Request.Context(), body.BlockerAuthID, body.BlockedAuthID); err != nil {
		friendFailure(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"unblocked": true})
}

// blocked serves GET /api/friends/:userId/blocked.
func (f friendsAPI) blocked(c *gin.Context) {
	profiles, err := f.svc.Blocked(c.Request.Context(), c.Param("userId"))
	if err != nil {
		friendFailure(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"blocked": profiles})
}

// mutual serves GET /api/friends/:userId/mutual?otherId=...
func (f friendsAPI) mutual(c *gin.Context) {
	otherID := c.Query("otherId")
	if otherID == "" {
		respondError(c, http.StatusBadRequest, "otherId: required")
		return
	}

	profiles, err := f.svc.Mutual(c.Request.Context(), c.Param("userId"), otherID)
	if err != nil {
		friendFailure(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"mutual": profiles})
}

// stats serves GET /api/friends/:userId/stats.
func (f friendsAPI) stats(c *gin.Context) {
	stats, err := f.svc.Stats(c.Request.Context(), c.Param("userId"))
	if err != nil {
		friendFailure(c, err)
		return
	}
	respond(c, http.StatusOK, stats)
}

// suggestions serves GET /api/friends/:userId/suggestions.
func (f friendsAPI) suggestions(c *gin.Context) {
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	profiles, err := f.svc.Suggestions(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		friendFailure(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"suggestions": profiles})
}
